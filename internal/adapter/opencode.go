package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stormlightlabs/agentv/internal/model"
)

// OpenCodeAdapter reads OpenCode's storage tree, which keeps one JSON
// file per entity:
//
//	<storage>/session/<sessionID>.json
//	<storage>/message/<sessionID>/<messageID>.json
//	<storage>/part/<sessionID>/<messageID>/<partID>.json
//
// Timestamps in this tree are epoch milliseconds.
type OpenCodeAdapter struct {
	storageDir string
}

func NewOpenCode(storageDir string) *OpenCodeAdapter {
	if storageDir == "" {
		storageDir = filepath.Join(homeDir(), ".local", "share", "opencode", "storage")
	}
	return &OpenCodeAdapter{storageDir: storageDir}
}

func (a *OpenCodeAdapter) Source() model.Source {
	return model.SourceOpenCode
}

func (a *OpenCodeAdapter) StorageDir() string {
	return a.storageDir
}

type openCodeSessionInfo struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectID"`
	Directory string       `json:"directory"`
	Title     string       `json:"title"`
	Time      openCodeTime `json:"time"`
}

type openCodeTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

type openCodeMessage struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Role       string         `json:"role"`
	Time       openCodeTime   `json:"time"`
	ProviderID string         `json:"providerID"`
	Model      *openCodeModel `json:"model"`
}

type openCodeModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type openCodePart struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Text     string             `json:"text"`
	Filename string             `json:"filename"`
	Tool     string             `json:"tool"`
	CallID   string             `json:"callID"`
	State    *openCodeToolState `json:"state"`
}

type openCodeToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input"`
	Output string          `json:"output"`
}

func (a *OpenCodeAdapter) Discover(ctx context.Context) []Descriptor {
	var found []Descriptor

	sessionDir := filepath.Join(a.storageDir, "session")
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		slog.Warn("opencode storage not found", "dir", sessionDir)
		return found
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return found
		}
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		found = append(found, Descriptor{
			Source:     model.SourceOpenCode,
			Path:       filepath.Join(sessionDir, e.Name()),
			ExternalID: strings.TrimSuffix(e.Name(), ".json"),
		})
	}

	slog.Info("discovered opencode sessions", "count", len(found))
	return found
}

func (a *OpenCodeAdapter) Parse(ctx context.Context, desc Descriptor) (model.Session, []model.Event, error) {
	rawInfo, err := os.ReadFile(desc.Path)
	if err != nil {
		return model.Session{}, nil, fmt.Errorf("read session file: %w", err)
	}
	var info openCodeSessionInfo
	if err := json.Unmarshal(rawInfo, &info); err != nil {
		return model.Session{}, nil, fmt.Errorf("decode session file: %w", err)
	}
	if info.ID == "" {
		info.ID = desc.ExternalID
	}

	createdAt := model.FromEpochMillis(info.Time.Created)
	if info.Time.Created == 0 {
		createdAt = time.Now().UTC()
	}
	updatedAt := model.FromEpochMillis(info.Time.Updated)
	if info.Time.Updated == 0 {
		updatedAt = createdAt
	}

	session := model.Session{
		ID:         model.NewID(),
		Source:     model.SourceOpenCode,
		ExternalID: info.ID,
		Project:    info.Directory,
		Title:      info.Title,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		RawPayload: rawInfo,
	}

	messages := a.readMessages(info.ID)

	var events []model.Event
	for _, msg := range messages {
		parts := a.readParts(info.ID, msg.ID)
		timestamp := model.FromEpochMillis(msg.Time.Created)
		if msg.Time.Created == 0 {
			timestamp = time.Now().UTC()
		}

		role, _ := model.ParseRole(msg.Role)
		kind := model.KindMessage
		if role == "" {
			kind = model.KindSystem
		}

		raw, _ := json.Marshal(struct {
			openCodeMessage
			Parts []openCodePart `json:"parts"`
		}{msg, parts})

		events = append(events, model.Event{
			ID:         model.NewID(),
			Kind:       kind,
			Role:       role,
			Content:    formatPartContent(parts),
			Timestamp:  timestamp,
			RawPayload: raw,
		})

		// Tool parts additionally surface as their own tool-call events so
		// duration and frequency analytics can see them individually.
		for _, part := range parts {
			if part.Type != "tool" {
				continue
			}
			content := part.Tool
			if part.State != nil {
				c, err := json.Marshal(map[string]any{
					"tool":   part.Tool,
					"status": part.State.Status,
					"input":  part.State.Input,
					"output": part.State.Output,
				})
				if err == nil {
					content = string(c)
				}
			}
			partRaw, _ := json.Marshal(part)
			events = append(events, model.Event{
				ID:         model.NewID(),
				Kind:       model.KindToolCall,
				Role:       model.RoleAssistant,
				Content:    content,
				Timestamp:  timestamp,
				RawPayload: partRaw,
			})
		}
	}

	slog.Debug("parsed opencode session", "external_id", session.ExternalID, "events", len(events))
	return session, events, nil
}

// readMessages loads a session's message files sorted by creation time,
// then id, to reconstruct conversation order.
func (a *OpenCodeAdapter) readMessages(sessionID string) []openCodeMessage {
	dir := filepath.Join(a.storageDir, "message", sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var messages []openCodeMessage
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable message file", "path", filepath.Join(dir, e.Name()), "error", err)
			continue
		}
		var msg openCodeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("skipping malformed message file", "path", filepath.Join(dir, e.Name()), "error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Time.Created != messages[j].Time.Created {
			return messages[i].Time.Created < messages[j].Time.Created
		}
		return messages[i].ID < messages[j].ID
	})
	return messages
}

// readParts loads one message's part files sorted by part id, which
// encodes intra-message order.
func (a *OpenCodeAdapter) readParts(sessionID, messageID string) []openCodePart {
	dir := filepath.Join(a.storageDir, "part", sessionID, messageID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var parts []openCodePart
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var part openCodePart
		if err := json.Unmarshal(raw, &part); err != nil {
			slog.Warn("skipping malformed part file", "path", filepath.Join(dir, e.Name()), "error", err)
			continue
		}
		if part.ID == "" {
			part.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		parts = append(parts, part)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	return parts
}

func formatPartContent(parts []openCodePart) string {
	var out []string
	for _, part := range parts {
		switch part.Type {
		case "text":
			out = append(out, part.Text)
		case "file":
			out = append(out, fmt.Sprintf("[File: %s]", part.Filename))
		case "tool":
			if part.State != nil {
				out = append(out, fmt.Sprintf("[Tool: %s (%s)]", part.Tool, part.State.Status))
			} else {
				out = append(out, fmt.Sprintf("[Tool: %s]", part.Tool))
			}
		}
	}
	return strings.Join(out, "\n\n")
}

func (a *OpenCodeAdapter) Health(ctx context.Context) model.SourceHealth {
	sessionDir := filepath.Join(a.storageDir, "session")
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return model.SourceHealth{
			Source:  model.SourceOpenCode,
			Status:  model.HealthUnknown,
			Path:    a.storageDir,
			Message: "storage directory not found",
		}
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			count++
		}
	}
	return model.SourceHealth{
		Source:  model.SourceOpenCode,
		Status:  model.HealthHealthy,
		Path:    a.storageDir,
		Message: fmt.Sprintf("Found %d sessions", count),
	}
}
