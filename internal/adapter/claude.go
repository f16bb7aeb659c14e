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

// maxLineBytes bounds a single journal line. Assistant turns with large
// tool outputs routinely exceed bufio's default 64 KiB.
const maxLineBytes = 10 * 1024 * 1024

// ClaudeAdapter reads Claude Code's per-project JSONL journals under
// ~/.claude/projects/<project>/<session>.jsonl.
type ClaudeAdapter struct {
	projectsDir string
}

func NewClaude(projectsDir string) *ClaudeAdapter {
	if projectsDir == "" {
		projectsDir = filepath.Join(homeDir(), ".claude", "projects")
	}
	return &ClaudeAdapter{projectsDir: projectsDir}
}

func (a *ClaudeAdapter) Source() model.Source {
	return model.SourceClaude
}

func (a *ClaudeAdapter) ProjectsDir() string {
	return a.projectsDir
}

func (a *ClaudeAdapter) Discover(ctx context.Context) []Descriptor {
	var found []Descriptor

	projects, err := os.ReadDir(a.projectsDir)
	if err != nil {
		slog.Warn("claude projects directory unreadable", "dir", a.projectsDir, "error", err)
		return found
	}

	for _, project := range projects {
		if ctx.Err() != nil {
			return found
		}
		if !project.IsDir() {
			continue
		}
		projectDir := filepath.Join(a.projectsDir, project.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			slog.Warn("claude project directory unreadable", "dir", projectDir, "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".jsonl" {
				continue
			}
			found = append(found, Descriptor{
				Source:     model.SourceClaude,
				Path:       filepath.Join(projectDir, f.Name()),
				ExternalID: strings.TrimSuffix(f.Name(), ".jsonl"),
				Project:    project.Name(),
			})
		}
	}

	slog.Info("discovered claude sessions", "count", len(found))
	return found
}

func (a *ClaudeAdapter) Parse(ctx context.Context, desc Descriptor) (model.Session, []model.Event, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return model.Session{}, nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var (
		events    []model.Event
		title     string
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

		var value map[string]any
		if err := json.Unmarshal(line, &value); err != nil {
			slog.Warn("skipping malformed journal line", "path", desc.Path, "line", lineCount, "error", err)
			continue
		}

		if ts, ok := model.ParseTimestamp(value["timestamp"]); ok {
			if firstTS.IsZero() {
				firstTS = ts
			}
			lastTS = ts
		}

		// Summary entries carry the session title and never become events.
		if entryType, _ := value["type"].(string); entryType == "summary" {
			if s, ok := value["summary"].(string); ok {
				title = s
			}
			continue
		}

		if ev, ok := a.parseEventLine(value, append([]byte(nil), line...)); ok {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return model.Session{}, nil, fmt.Errorf("read session file: %w", err)
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
		"source":     "claude",
		"project":    desc.Project,
		"session_id": desc.ExternalID,
		"file_path":  desc.Path,
		"line_count": lineCount,
	})

	session := model.Session{
		ID:         model.NewID(),
		Source:     model.SourceClaude,
		ExternalID: desc.ExternalID,
		Project:    desc.Project,
		Title:      title,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		RawPayload: rawPayload,
	}

	slog.Debug("parsed claude session", "external_id", session.ExternalID, "events", len(events))
	return session, events, nil
}

func (a *ClaudeAdapter) parseEventLine(value map[string]any, raw []byte) (model.Event, bool) {
	entryType, _ := value["type"].(string)
	if entryType == "" {
		return model.Event{}, false
	}

	timestamp := orNow(model.ParseTimestamp(value["timestamp"]))

	var (
		kind    model.EventKind
		role    model.Role
		content string
	)

	switch entryType {
	case "user":
		kind, role = model.KindMessage, model.RoleUser
		content = entryContent(value)
	case "assistant":
		kind, role = model.KindMessage, model.RoleAssistant
		content = entryContent(value)
	case "system":
		kind, role = model.KindSystem, model.RoleSystem
		content = entryContent(value)
	case "tool_call":
		kind, role = model.KindToolCall, model.RoleAssistant
		call, _ := json.Marshal(map[string]any{
			"name":      value["name"],
			"arguments": value["arguments"],
		})
		content = string(call)
	case "tool_result":
		kind, role = model.KindToolResult, model.RoleAssistant
		content = entryContent(value)
	case "error":
		kind = model.KindError
		content, _ = value["message"].(string)
	default:
		// Unknown discriminators still become events so line counts stay
		// auditable against event counts.
		kind = model.KindSystem
		content = string(raw)
	}

	return model.Event{
		ID:         model.NewID(),
		Kind:       kind,
		Role:       role,
		Content:    content,
		Timestamp:  timestamp,
		RawPayload: raw,
	}, true
}

// entryContent reads an entry's text, preferring the top-level content
// string and falling back to the nested message envelope newer journal
// versions write, where content is a list of typed blocks.
func entryContent(value map[string]any) string {
	if s, ok := value["content"].(string); ok {
		return s
	}
	msg, ok := value["message"].(map[string]any)
	if !ok {
		return ""
	}
	switch c := msg["content"].(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, block := range c {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			switch b["type"] {
			case "text", "thinking":
				if t, ok := b["text"].(string); ok {
					parts = append(parts, t)
				} else if t, ok := b["thinking"].(string); ok {
					parts = append(parts, t)
				}
			case "tool_use":
				if name, ok := b["name"].(string); ok {
					parts = append(parts, fmt.Sprintf("[Tool: %s]", name))
				}
			case "tool_result":
				if t, ok := b["content"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func (a *ClaudeAdapter) Health(ctx context.Context) model.SourceHealth {
	entries, err := os.ReadDir(a.projectsDir)
	if err != nil {
		return model.SourceHealth{
			Source:  model.SourceClaude,
			Status:  model.HealthUnknown,
			Path:    a.projectsDir,
			Message: "projects directory not found",
		}
	}
	projects := 0
	for _, e := range entries {
		if e.IsDir() {
			projects++
		}
	}
	return model.SourceHealth{
		Source:  model.SourceClaude,
		Status:  model.HealthHealthy,
		Path:    a.projectsDir,
		Message: fmt.Sprintf("Found %d projects", projects),
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
