// Package model defines the canonical vocabulary shared by every adapter
// and the storage engine: sources, event kinds, roles, sessions, events,
// and source health diagnostics.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies which agent tool produced a session.
type Source string

const (
	SourceClaude   Source = "claude"
	SourceCodex    Source = "codex"
	SourceOpenCode Source = "opencode"
	SourceCrush    Source = "crush"
)

// AllSources lists every known source in ingestion order.
func AllSources() []Source {
	return []Source{SourceClaude, SourceCodex, SourceOpenCode, SourceCrush}
}

// ParseSource parses a case-insensitive source name.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "claude":
		return SourceClaude, nil
	case "codex":
		return SourceCodex, nil
	case "opencode":
		return SourceOpenCode, nil
	case "crush":
		return SourceCrush, nil
	default:
		return "", fmt.Errorf("unknown source: %q", s)
	}
}

func (s Source) String() string {
	return string(s)
}

// EventKind classifies one atomic occurrence inside a session.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindError      EventKind = "error"
	KindSystem     EventKind = "system"
)

// ParseEventKind parses a case-insensitive event kind name.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "message":
		return KindMessage, nil
	case "tool_call":
		return KindToolCall, nil
	case "tool_result":
		return KindToolResult, nil
	case "error":
		return KindError, nil
	case "system":
		return KindSystem, nil
	default:
		return "", fmt.Errorf("unknown event kind: %q", s)
	}
}

func (k EventKind) String() string {
	return string(k)
}

// Role identifies the sender of a conversational entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole parses a case-insensitive role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "system":
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

func (r Role) String() string {
	return string(r)
}

// Session is one normalized conversation/run from any source.
//
// (Source, ExternalID) is the natural key used for deduplication; ID is a
// process-generated identifier that survives re-ingestion.
type Session struct {
	ID         string          `json:"id"`
	Source     Source          `json:"source"`
	ExternalID string          `json:"external_id"`
	Project    string          `json:"project,omitempty"`
	Title      string          `json:"title,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// Event is one normalized occurrence within a session. SessionID is empty
// during parsing and resolved to the persisted session id by the store.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Kind       EventKind       `json:"kind"`
	Role       Role            `json:"role,omitempty"`
	Content    string          `json:"content,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// NewID returns a fresh process-generated identifier.
func NewID() string {
	return uuid.NewString()
}

// HealthStatus grades a data source during a health check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// SourceHealth is an ephemeral diagnostic computed on demand, never stored.
type SourceHealth struct {
	Source  Source       `json:"source"`
	Status  HealthStatus `json:"status"`
	Path    string       `json:"path,omitempty"`
	Message string       `json:"message,omitempty"`
}
