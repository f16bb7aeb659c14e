package adapter

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stormlightlabs/agentv/internal/model"
)

const crushFullSchema = `
CREATE TABLE sessions (
  id TEXT PRIMARY KEY,
  parent_session_id TEXT,
  title TEXT NOT NULL,
  message_count INTEGER NOT NULL DEFAULT 0,
  prompt_tokens INTEGER NOT NULL DEFAULT 0,
  completion_tokens INTEGER NOT NULL DEFAULT 0,
  cost REAL NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  summary_message_id TEXT,
  todos TEXT
);
CREATE TABLE messages (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  parts TEXT NOT NULL,
  model TEXT,
  provider TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  finished_at INTEGER,
  is_summary_message INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE read_files (
  session_id TEXT NOT NULL,
  path TEXT NOT NULL,
  read_at INTEGER NOT NULL
);
`

const crushMinimalSchema = `
CREATE TABLE sessions (
  id TEXT PRIMARY KEY,
  parent_session_id TEXT,
  title TEXT NOT NULL,
  message_count INTEGER NOT NULL DEFAULT 0,
  prompt_tokens INTEGER NOT NULL DEFAULT 0,
  completion_tokens INTEGER NOT NULL DEFAULT 0,
  cost REAL NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  summary_message_id TEXT
);
CREATE TABLE messages (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  parts TEXT NOT NULL,
  model TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  finished_at INTEGER
);
`

// writeCrushFixture builds <root>/myproject/.crush/crush.db with the
// given schema and returns the database path.
func writeCrushFixture(t *testing.T, root, schema string, seed func(*testing.T, *sql.DB)) string {
	t.Helper()

	crushDir := filepath.Join(root, "myproject", ".crush")
	if err := os.MkdirAll(crushDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dbPath := filepath.Join(crushDir, "crush.db")

	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("apply fixture schema: %v", err)
	}
	seed(t, db)
	return dbPath
}

func seedFullCrushDB(t *testing.T, db *sql.DB) {
	t.Helper()

	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	exec(`INSERT INTO sessions (id, title, message_count, prompt_tokens, completion_tokens, cost, updated_at, created_at, todos)
	      VALUES ('cs-1', 'Build the parser', 3, 1200, 300, 0.02, 1704070800, 1704067200, NULL)`)
	exec(`INSERT INTO sessions (id, parent_session_id, title, updated_at, created_at)
	      VALUES ('cs-child', 'cs-1', 'nested task', 1704070800, 1704067200)`)

	exec(`INSERT INTO messages (id, session_id, role, parts, model, provider, created_at, updated_at, is_summary_message) VALUES
	      ('m1', 'cs-1', 'user', '[{"type":"text","data":{"text":"write a parser"}}]', NULL, NULL, 1704067200, 1704067200, 0)`)
	exec(`INSERT INTO messages (id, session_id, role, parts, model, provider, created_at, updated_at, is_summary_message) VALUES
	      ('m2', 'cs-1', 'assistant',
	       '[{"type":"reasoning","data":{"thinking":"tokenize first"}},{"type":"tool_use","data":{"id":"t1","name":"write_file"}},{"type":"finish","data":{"reason":"end_turn","time":1704067260}}]',
	       'claude-4.5-sonnet', 'anthropic', 1704067260, 1704067260, 0)`)
	exec(`INSERT INTO messages (id, session_id, role, parts, model, provider, created_at, updated_at, is_summary_message) VALUES
	      ('m3', 'cs-1', 'assistant', '[{"type":"text","data":{"text":"synthetic recap"}}]', NULL, NULL, 1704067300, 1704067300, 1)`)

	exec(`INSERT INTO read_files (session_id, path, read_at) VALUES ('cs-1', '/src/lexer.go', 1704067210)`)
}

func seedMinimalCrushDB(t *testing.T, db *sql.DB) {
	t.Helper()

	if _, err := db.Exec(`INSERT INTO sessions (id, title, updated_at, created_at)
	                      VALUES ('old-1', 'Legacy session', 1704070800, 1704067200)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO messages (id, session_id, role, parts, created_at, updated_at) VALUES
	                      ('m1', 'old-1', 'user', '[{"type":"text","data":{"text":"hello"}}]', 1704067200, 1704067200)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCrushDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeCrushFixture(t, root, crushFullSchema, seedFullCrushDB)

	adapter := NewCrush(root)
	descs := adapter.Discover(context.Background())

	// Only root sessions are discovered; the child session is skipped.
	if len(descs) != 1 {
		t.Fatalf("Discover() = %d descriptors, want 1", len(descs))
	}
	if descs[0].ExternalID != "cs-1" {
		t.Fatalf("external id = %q, want cs-1", descs[0].ExternalID)
	}
}

func TestCrushDiscoverSkipsVendorDirs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	vendored := filepath.Join(root, "node_modules", "dep", ".crush")
	if err := os.MkdirAll(vendored, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vendored, "crush.db"), []byte("not a db"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	adapter := NewCrush(root)
	if got := adapter.FindDatabases(context.Background()); len(got) != 0 {
		t.Fatalf("FindDatabases() = %d, want 0 under node_modules", len(got))
	}
}

func TestCrushParseFullSchema(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := writeCrushFixture(t, root, crushFullSchema, seedFullCrushDB)

	adapter := NewCrush(root)
	desc := Descriptor{Source: model.SourceCrush, Path: dbPath, ExternalID: "cs-1"}
	session, events, err := adapter.Parse(context.Background(), desc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if session.Title != "Build the parser" {
		t.Fatalf("title = %q", session.Title)
	}
	if session.Project != "myproject" {
		t.Fatalf("project = %q, want myproject", session.Project)
	}

	// The summary-flagged message is excluded.
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	if events[0].Kind != model.KindMessage || events[0].Content != "write a parser" {
		t.Fatalf("event 0 = %q %q", events[0].Kind, events[0].Content)
	}

	// An assistant message with a tool_use part is a tool call, with all
	// parts flattened into tagged text.
	if events[1].Kind != model.KindToolCall {
		t.Fatalf("event 1 kind = %q", events[1].Kind)
	}
	for _, want := range []string{"[Thinking: tokenize first]", "[Tool: write_file]", "[Finished: end_turn]"} {
		if !strings.Contains(events[1].Content, want) {
			t.Fatalf("event 1 content %q missing %q", events[1].Content, want)
		}
	}

	if !strings.Contains(string(session.RawPayload), "/src/lexer.go") {
		t.Fatalf("raw payload missing read_files: %s", session.RawPayload)
	}
}

func TestCrushParseMinimalSchema(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := writeCrushFixture(t, root, crushMinimalSchema, seedMinimalCrushDB)

	adapter := NewCrush(root)
	desc := Descriptor{Source: model.SourceCrush, Path: dbPath, ExternalID: "old-1"}
	session, events, err := adapter.Parse(context.Background(), desc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if session.Title != "Legacy session" {
		t.Fatalf("title = %q", session.Title)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Content != "hello" {
		t.Fatalf("content = %q", events[0].Content)
	}
}

func TestCrushParseMissingSession(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := writeCrushFixture(t, root, crushFullSchema, seedFullCrushDB)

	adapter := NewCrush(root)
	desc := Descriptor{Source: model.SourceCrush, Path: dbPath, ExternalID: "nope"}
	if _, _, err := adapter.Parse(context.Background(), desc); err == nil {
		t.Fatalf("expected error for missing session")
	}
}
