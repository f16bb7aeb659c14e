package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stormlightlabs/agentv/internal/model"
)

const codexFixture = `{"timestamp":"2024-02-01T10:00:00Z","type":"session_meta","payload":{"id":"r1","cwd":"/home/dev/proj","git":{"branch":"feature/x","repository_url":"https://github.com/acme/widget"}}}
{"timestamp":"2024-02-01T10:00:01Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"run the tests"}]}}
{"timestamp":"2024-02-01T10:00:02Z","type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{\"command\":[\"go\",\"test\"]}","call_id":"call_1"}}
{"timestamp":"2024-02-01T10:00:05Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":"PASS"}}
{"timestamp":"2024-02-01T10:00:06Z","type":"event_msg","payload":{"type":"agent_reasoning","message":"all green"}}
{"timestamp":"2024-02-01T10:00:07Z","type":"event_msg","payload":{"type":"token_count","message":""}}
{"timestamp":"2024-02-01T10:00:08Z","type":"response_item","payload":{"type":"reasoning"}}
{"timestamp":"2024-02-01T10:00:09Z","type":"turn_context","payload":{"cwd":"/home/dev/proj"}}
`

func writeCodexFixture(t *testing.T) (*CodexAdapter, Descriptor) {
	t.Helper()

	root := t.TempDir()
	dayDir := filepath.Join(root, "2024", "02", "01")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dayDir, "rollout-r1.jsonl")
	if err := os.WriteFile(path, []byte(codexFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	adapter := NewCodex(root)
	descs := adapter.Discover(context.Background())
	if len(descs) != 1 {
		t.Fatalf("Discover() = %d descriptors, want 1", len(descs))
	}
	return adapter, descs[0]
}

func TestCodexDiscover(t *testing.T) {
	t.Parallel()

	_, desc := writeCodexFixture(t)
	if desc.ExternalID != "r1" {
		t.Fatalf("external id = %q, want r1", desc.ExternalID)
	}
	if desc.Date != "2024/02/01" {
		t.Fatalf("date = %q, want 2024/02/01", desc.Date)
	}
}

func TestCodexDiscoverIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dayDir := filepath.Join(root, "2024", "02", "01")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dayDir, "notes.jsonl"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	adapter := NewCodex(root)
	if got := adapter.Discover(context.Background()); len(got) != 0 {
		t.Fatalf("Discover() = %d, want 0 for non-rollout files", len(got))
	}
}

func TestCodexParse(t *testing.T) {
	t.Parallel()

	adapter, desc := writeCodexFixture(t)
	session, events, err := adapter.Parse(context.Background(), desc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Git metadata wins over cwd for the project label.
	if session.Project != "widget/feature/x" {
		t.Fatalf("project = %q, want widget/feature/x", session.Project)
	}

	// session_meta, token_count, and turn_context never become events.
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}

	if events[0].Kind != model.KindMessage || events[0].Role != model.RoleUser {
		t.Fatalf("event 0 = %q/%q", events[0].Kind, events[0].Role)
	}
	if events[1].Kind != model.KindToolCall {
		t.Fatalf("event 1 kind = %q", events[1].Kind)
	}
	if !strings.HasPrefix(events[1].Content, "Called shell with arguments:") {
		t.Fatalf("tool call content = %q", events[1].Content)
	}
	if events[2].Kind != model.KindToolResult || events[2].Content != "PASS" {
		t.Fatalf("event 2 = %q %q", events[2].Kind, events[2].Content)
	}
	if events[3].Kind != model.KindSystem || events[3].Content != "[Thinking] all green" {
		t.Fatalf("event 3 = %q %q", events[3].Kind, events[3].Content)
	}
	if events[4].Kind != model.KindSystem {
		t.Fatalf("event 4 kind = %q", events[4].Kind)
	}
}

func TestCodexParseProjectFromCwd(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dayDir := filepath.Join(root, "2024", "03", "05")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line := `{"timestamp":"2024-03-05T09:00:00Z","type":"session_meta","payload":{"id":"r2","cwd":"/tmp/work"}}`
	if err := os.WriteFile(filepath.Join(dayDir, "rollout-r2.jsonl"), []byte(line+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	adapter := NewCodex(root)
	session, _, err := adapter.Parse(context.Background(), adapter.Discover(context.Background())[0])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if session.Project != "/tmp/work" {
		t.Fatalf("project = %q, want /tmp/work", session.Project)
	}
}
