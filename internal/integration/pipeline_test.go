package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stormlightlabs/agentv/internal/adapter"
	"github.com/stormlightlabs/agentv/internal/ingest"
	"github.com/stormlightlabs/agentv/internal/model"
	"github.com/stormlightlabs/agentv/internal/store"
)

const claudeJournal = `{"type":"summary","summary":"Wire up the payment flow"}
{"type":"user","timestamp":"2024-05-01T10:00:00Z","content":"add stripe checkout","uuid":"u1"}
{"type":"tool_call","timestamp":"2024-05-01T10:00:05Z","content":"Called Edit with arguments: {}","uuid":"u2","parentUuid":"u1","input":{"file_path":"/app/checkout.go","old_string":"a","new_string":"a\nb"}}
{"type":"tool_result","timestamp":"2024-05-01T10:00:09Z","content":"ok","uuid":"u3","parentUuid":"u2"}
{"type":"assistant","timestamp":"2024-05-01T10:00:30Z","content":"checkout wired up","uuid":"u4","parentUuid":"u3","message":{"model":"claude-sonnet-4"}}
`

const codexJournal = `{"timestamp":"2024-05-02T08:00:00Z","type":"session_meta","payload":{"id":"rollout-1","timestamp":"2024-05-02T08:00:00Z","cwd":"/home/dev/api","git":{"repository_url":"https://github.com/acme/api","branch":"main"}}}
{"timestamp":"2024-05-02T08:00:10Z","type":"event_msg","payload":{"type":"user_message","message":"run the tests"}}
{"timestamp":"2024-05-02T08:00:20Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"all tests pass"}]}}
`

// The full flow: files on disk, discovery, parsing, idempotent
// persistence, search, and derived metrics.
func TestIngestPipeline(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	claudeDir := filepath.Join(base, "claude")
	codexDir := filepath.Join(base, "codex")
	writeFile(t, filepath.Join(claudeDir, "shop", "sess-1.jsonl"), claudeJournal)
	writeFile(t, filepath.Join(codexDir, "2024", "05", "02", "rollout-1.jsonl"), codexJournal)

	s, err := store.Open(filepath.Join(base, "agentv.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	runner := ingest.NewRunner(s, adapter.Options{
		ClaudeDir:     claudeDir,
		CodexDir:      codexDir,
		OpenCodeDir:   filepath.Join(base, "opencode"),
		CrushScanRoot: filepath.Join(base, "crush"),
	})

	ctx := context.Background()
	reports, err := runner.IngestAll(ctx)
	if err != nil {
		t.Fatalf("IngestAll() error = %v", err)
	}
	var imported int
	for _, r := range reports {
		imported += r.Imported
		if r.Failed != 0 {
			t.Fatalf("source %s failed %d sessions", r.Source, r.Failed)
		}
	}
	if imported != 2 {
		t.Fatalf("imported = %d sessions, want 2", imported)
	}

	// A second pass over unchanged files changes nothing.
	if _, err := runner.IngestAll(ctx); err != nil {
		t.Fatalf("second IngestAll() error = %v", err)
	}
	count, err := s.SessionCount(ctx)
	if err != nil {
		t.Fatalf("SessionCount() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("sessions after re-ingest = %d, want 2", count)
	}

	sessions, err := s.ListSessions(ctx, store.ListFilter{Source: model.SourceClaude})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "Wire up the payment flow" {
		t.Fatalf("claude sessions = %+v", sessions)
	}
	claudeID := sessions[0].ID

	hits, err := s.SearchEvents(ctx, "stripe", store.SearchFilter{})
	if err != nil {
		t.Fatalf("SearchEvents() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Event.SessionID != claudeID {
		t.Fatalf("search hits = %+v", hits)
	}

	codexHits, err := s.SearchEvents(ctx, "tests", store.SearchFilter{Source: model.SourceCodex})
	if err != nil {
		t.Fatalf("SearchEvents(codex) error = %v", err)
	}
	if len(codexHits) != 2 {
		t.Fatalf("codex hits = %d, want 2", len(codexHits))
	}

	m, err := s.ComputeSessionMetrics(ctx, claudeID)
	if err != nil {
		t.Fatalf("ComputeSessionMetrics() error = %v", err)
	}
	if m.ToolCallCount != 1 || m.TotalLatencyMs != 4000 {
		t.Fatalf("metrics = %+v, want 1 tool call at 4000ms", m)
	}
	if m.Model != "claude-sonnet-4" || m.EstimatedCost <= 0 {
		t.Fatalf("model detection = %q cost %v", m.Model, m.EstimatedCost)
	}
	if m.FilesTouched != 1 {
		t.Fatalf("files touched = %d, want 1", m.FilesTouched)
	}

	files, err := s.FilesLeaderboard(ctx, store.StatsRange{}, 10)
	if err != nil {
		t.Fatalf("FilesLeaderboard() error = %v", err)
	}
	if len(files) != 1 || !strings.HasSuffix(files[0].FilePath, "checkout.go") {
		t.Fatalf("leaderboard = %+v", files)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
