package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stormlightlabs/agentv/internal/model"
)

// CodexAdapter reads Codex CLI rollout journals laid out as
// <sessions>/<YYYY>/<MM>/<DD>/rollout-<id>.jsonl. Each line wraps a typed
// payload under a shared timestamp envelope.
type CodexAdapter struct {
	sessionsDir string
}

func NewCodex(sessionsDir string) *CodexAdapter {
	if sessionsDir == "" {
		if env := os.Getenv("CODEX_HOME"); env != "" {
			sessionsDir = env
		} else {
			sessionsDir = filepath.Join(homeDir(), ".codex", "sessions")
		}
	}
	return &CodexAdapter{sessionsDir: sessionsDir}
}

func (a *CodexAdapter) Source() model.Source {
	return model.SourceCodex
}

func (a *CodexAdapter) SessionsDir() string {
	return a.sessionsDir
}

type codexLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID            string        `json:"id"`
	Cwd           string        `json:"cwd"`
	CLIVersion    string        `json:"cli_version"`
	ModelProvider string        `json:"model_provider"`
	Git           *codexGitInfo `json:"git"`
}

type codexGitInfo struct {
	CommitHash    string `json:"commit_hash"`
	Branch        string `json:"branch"`
	RepositoryURL string `json:"repository_url"`
}

type codexResponseItem struct {
	Type      string            `json:"type"`
	Role      string            `json:"role"`
	Content   []codexContentBlk `json:"content"`
	Name      string            `json:"name"`
	Arguments string            `json:"arguments"`
	CallID    string            `json:"call_id"`
	Output    string            `json:"output"`
}

type codexContentBlk struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexEventMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (a *CodexAdapter) Discover(ctx context.Context) []Descriptor {
	var found []Descriptor

	if _, err := os.Stat(a.sessionsDir); err != nil {
		slog.Warn("codex sessions directory not found", "dir", a.sessionsDir)
		return found
	}

	err := filepath.WalkDir(a.sessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("codex walk error", "path", path, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		id, ok := strings.CutPrefix(strings.TrimSuffix(d.Name(), ".jsonl"), "rollout-")
		if !ok {
			return nil
		}
		rel, _ := filepath.Rel(a.sessionsDir, filepath.Dir(path))
		found = append(found, Descriptor{
			Source:     model.SourceCodex,
			Path:       path,
			ExternalID: id,
			Date:       filepath.ToSlash(rel),
		})
		return nil
	})
	if err != nil {
		slog.Warn("codex discovery aborted", "error", err)
	}

	slog.Info("discovered codex sessions", "count", len(found))
	return found
}

func (a *CodexAdapter) Parse(ctx context.Context, desc Descriptor) (model.Session, []model.Event, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return model.Session{}, nil, fmt.Errorf("open rollout file: %w", err)
	}
	defer f.Close()

	var (
		events    []model.Event
		meta      *codexSessionMeta
		project   string
		firstTS   time.Time
		lastTS    time.Time
		lineCount int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineCount++
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var entry codexLine
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("skipping malformed rollout line", "path", desc.Path, "line", lineCount, "error", err)
			continue
		}

		timestamp := orNow(model.ParseTimestamp(entry.Timestamp))
		if firstTS.IsZero() {
			firstTS = timestamp
		}
		lastTS = timestamp

		raw := append([]byte(nil), line...)

		switch entry.Type {
		case "session_meta":
			var m codexSessionMeta
			if err := json.Unmarshal(entry.Payload, &m); err != nil {
				continue
			}
			meta = &m
			project = m.Cwd
			if m.Git != nil && m.Git.RepositoryURL != "" {
				segs := strings.Split(m.Git.RepositoryURL, "/")
				repo := segs[len(segs)-1]
				branch := m.Git.Branch
				if branch == "" {
					branch = "main"
				}
				project = repo + "/" + branch
			}
		case "response_item":
			if ev, ok := parseResponseItem(entry.Payload, timestamp, raw); ok {
				events = append(events, ev)
			}
		case "event_msg":
			if ev, ok := parseEventMsg(entry.Payload, timestamp, raw); ok {
				events = append(events, ev)
			}
		case "turn_context", "token_count":
			// Bookkeeping entries, never events.
		default:
			slog.Debug("unknown rollout entry type", "type", entry.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return model.Session{}, nil, fmt.Errorf("read rollout file: %w", err)
	}

	createdAt := firstTS
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := lastTS
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	rawPayload, _ := json.Marshal(map[string]any{
		"source":     "codex",
		"session_id": desc.ExternalID,
		"date":       desc.Date,
		"file_path":  desc.Path,
		"line_count": lineCount,
		"meta":       meta,
	})

	session := model.Session{
		ID:         model.NewID(),
		Source:     model.SourceCodex,
		ExternalID: desc.ExternalID,
		Project:    project,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		RawPayload: rawPayload,
	}

	slog.Debug("parsed codex session", "external_id", session.ExternalID, "events", len(events))
	return session, events, nil
}

func parseResponseItem(payload json.RawMessage, ts time.Time, raw []byte) (model.Event, bool) {
	var item codexResponseItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return model.Event{}, false
	}

	switch item.Type {
	case "message":
		role, _ := model.ParseRole(item.Role)
		var texts []string
		for _, blk := range item.Content {
			if blk.Type == "input_text" || blk.Type == "output_text" {
				texts = append(texts, blk.Text)
			}
		}
		return model.Event{
			ID:         model.NewID(),
			Kind:       model.KindMessage,
			Role:       role,
			Content:    strings.Join(texts, "\n"),
			Timestamp:  ts,
			RawPayload: raw,
		}, true
	case "function_call":
		name := item.Name
		if name == "" {
			name = "unknown"
		}
		args := item.Arguments
		if args == "" {
			args = "{}"
		}
		return model.Event{
			ID:         model.NewID(),
			Kind:       model.KindToolCall,
			Role:       model.RoleAssistant,
			Content:    fmt.Sprintf("Called %s with arguments: %s", name, args),
			Timestamp:  ts,
			RawPayload: raw,
		}, true
	case "function_call_output":
		return model.Event{
			ID:         model.NewID(),
			Kind:       model.KindToolResult,
			Content:    item.Output,
			Timestamp:  ts,
			RawPayload: raw,
		}, true
	case "reasoning":
		return model.Event{
			ID:         model.NewID(),
			Kind:       model.KindSystem,
			Role:       model.RoleAssistant,
			Content:    "[Reasoning content encrypted by Codex]",
			Timestamp:  ts,
			RawPayload: raw,
		}, true
	default:
		return model.Event{}, false
	}
}

func parseEventMsg(payload json.RawMessage, ts time.Time, raw []byte) (model.Event, bool) {
	var msg codexEventMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return model.Event{}, false
	}

	switch msg.Type {
	case "user_message":
		return model.Event{
			ID:         model.NewID(),
			Kind:       model.KindMessage,
			Role:       model.RoleUser,
			Content:    msg.Message,
			Timestamp:  ts,
			RawPayload: raw,
		}, true
	case "agent_reasoning":
		content := ""
		if msg.Message != "" {
			content = "[Thinking] " + msg.Message
		}
		return model.Event{
			ID:         model.NewID(),
			Kind:       model.KindSystem,
			Role:       model.RoleAssistant,
			Content:    content,
			Timestamp:  ts,
			RawPayload: raw,
		}, true
	default:
		return model.Event{}, false
	}
}

func (a *CodexAdapter) Health(ctx context.Context) model.SourceHealth {
	if _, err := os.Stat(a.sessionsDir); err != nil {
		return model.SourceHealth{
			Source:  model.SourceCodex,
			Status:  model.HealthUnknown,
			Path:    a.sessionsDir,
			Message: "sessions directory not found",
		}
	}
	count := len(a.Discover(ctx))
	return model.SourceHealth{
		Source:  model.SourceCodex,
		Status:  model.HealthHealthy,
		Path:    a.sessionsDir,
		Message: fmt.Sprintf("Found %d rollout files", count),
	}
}
