package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stormlightlabs/agentv/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "agentv.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func sampleSession(externalID string) (model.Session, []model.Event) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	session := model.Session{
		ID:         model.NewID(),
		Source:     model.SourceClaude,
		ExternalID: externalID,
		Project:    "widget",
		Title:      "refactor the tokenizer",
		CreatedAt:  created,
		UpdatedAt:  created.Add(90 * time.Second),
		RawPayload: json.RawMessage(`{"path":"/tmp/session.jsonl"}`),
	}

	events := []model.Event{
		{
			ID:         model.NewID(),
			Kind:       model.KindMessage,
			Role:       model.RoleUser,
			Content:    "please refactor the tokenizer",
			Timestamp:  created,
			RawPayload: json.RawMessage(`{"type":"user"}`),
		},
		{
			ID:         model.NewID(),
			Kind:       model.KindToolCall,
			Role:       model.RoleAssistant,
			Content:    "Called edit_file with arguments: {}",
			Timestamp:  created.Add(10 * time.Second),
			RawPayload: json.RawMessage(`{"type":"tool_call","input":{"file_path":"/src/token.go","old_string":"a\nb","new_string":"a\nb\nc"}}`),
		},
		{
			ID:         model.NewID(),
			Kind:       model.KindToolResult,
			Content:    "ok",
			Timestamp:  created.Add(16 * time.Second),
			RawPayload: json.RawMessage(`{"type":"tool_result"}`),
		},
		{
			ID:         model.NewID(),
			Kind:       model.KindMessage,
			Role:       model.RoleAssistant,
			Content:    "done, tokenizer refactored",
			Timestamp:  created.Add(90 * time.Second),
			RawPayload: json.RawMessage(`{"type":"assistant","message":{"model":"claude-sonnet-4"}}`),
		},
	}
	return session, events
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	// Open already migrated; run again and verify nothing doubles up.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	names, err := s.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(names) != len(migrations) {
		t.Fatalf("applied = %d migrations, want %d", len(names), len(migrations))
	}
}

func TestInsertSessionWithEventsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	session, events := sampleSession("ext-1")
	firstID, err := s.InsertSessionWithEvents(ctx, session, events)
	if err != nil {
		t.Fatalf("InsertSessionWithEvents() error = %v", err)
	}

	// Re-ingest the same file with a refreshed title and timestamp. The
	// natural key must dedupe to a single row that keeps its identity.
	again, againEvents := sampleSession("ext-1")
	again.Title = "refactor the tokenizer (resumed)"
	again.UpdatedAt = again.UpdatedAt.Add(time.Hour)
	secondID, err := s.InsertSessionWithEvents(ctx, again, againEvents)
	if err != nil {
		t.Fatalf("re-ingest error = %v", err)
	}
	if secondID != firstID {
		t.Fatalf("re-ingest id = %q, want original %q", secondID, firstID)
	}

	count, err := s.SessionCount(ctx)
	if err != nil {
		t.Fatalf("SessionCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("sessions = %d, want 1", count)
	}

	stored, err := s.GetSession(ctx, firstID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stored.Title != "refactor the tokenizer (resumed)" {
		t.Fatalf("title not refreshed: %q", stored.Title)
	}
	if !stored.CreatedAt.Equal(session.CreatedAt) {
		t.Fatalf("created_at changed on re-ingest: %v", stored.CreatedAt)
	}
	if !stored.UpdatedAt.Equal(again.UpdatedAt) {
		t.Fatalf("updated_at = %v, want %v", stored.UpdatedAt, again.UpdatedAt)
	}

	// Events were replaced, not accumulated.
	got, err := s.GetSessionEvents(ctx, firstID)
	if err != nil {
		t.Fatalf("GetSessionEvents() error = %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("events = %d, want %d", len(got), len(events))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestListSessionsFacets(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	claude, claudeEvents := sampleSession("ext-a")
	if _, err := s.InsertSessionWithEvents(ctx, claude, claudeEvents); err != nil {
		t.Fatalf("insert: %v", err)
	}

	codex, codexEvents := sampleSession("ext-b")
	codex.ID = model.NewID()
	codex.Source = model.SourceCodex
	codex.Project = "gadget"
	for i := range codexEvents {
		codexEvents[i].ID = model.NewID()
	}
	if _, err := s.InsertSessionWithEvents(ctx, codex, codexEvents); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// No facets: union of everything.
	all, err := s.ListSessions(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered = %d sessions, want 2", len(all))
	}

	bySource, err := s.ListSessions(ctx, ListFilter{Source: model.SourceCodex})
	if err != nil {
		t.Fatalf("ListSessions(source) error = %v", err)
	}
	if len(bySource) != 1 || bySource[0].Project != "gadget" {
		t.Fatalf("source facet = %+v", bySource)
	}

	// A nonexistent project is an empty result, not an error.
	none, err := s.ListSessions(ctx, ListFilter{Project: "no-such-project"})
	if err != nil {
		t.Fatalf("ListSessions(project) error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("nonexistent project = %d sessions, want 0", len(none))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSearchEvents(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	session, events := sampleSession("ext-search")
	id, err := s.InsertSessionWithEvents(ctx, session, events)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.SearchEvents(ctx, "tokenizer", SearchFilter{})
	if err != nil {
		t.Fatalf("SearchEvents() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	for _, hit := range hits {
		if hit.Event.SessionID != id {
			t.Fatalf("hit session = %q, want %q", hit.Event.SessionID, id)
		}
	}

	// The kind facet narrows to the user message.
	userHits, err := s.SearchEvents(ctx, "tokenizer", SearchFilter{Kind: model.KindMessage, Source: model.SourceClaude})
	if err != nil {
		t.Fatalf("SearchEvents(kind) error = %v", err)
	}
	if len(userHits) != 2 {
		t.Fatalf("kind-filtered hits = %d, want 2", len(userHits))
	}

	if hits, err := s.SearchEvents(ctx, "zeppelin", SearchFilter{}); err != nil || len(hits) != 0 {
		t.Fatalf("no-match search = %d hits, err %v", len(hits), err)
	}
}

func TestSearchSessions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	session, events := sampleSession("ext-title")
	if _, err := s.InsertSessionWithEvents(ctx, session, events); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.SearchSessions(ctx, "tokenizer", SearchFilter{})
	if err != nil {
		t.Fatalf("SearchSessions() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Session.ExternalID != "ext-title" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestComputeSessionMetrics(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	session, events := sampleSession("ext-metrics")
	id, err := s.InsertSessionWithEvents(ctx, session, events)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := s.ComputeSessionMetrics(ctx, id)
	if err != nil {
		t.Fatalf("ComputeSessionMetrics() error = %v", err)
	}

	if m.TotalEvents != 4 || m.MessageCount != 2 || m.ToolCallCount != 1 || m.ToolResultCount != 1 {
		t.Fatalf("counts = %+v", m)
	}
	if m.UserMessages != 1 || m.AssistantMessages != 1 {
		t.Fatalf("message split = %d user, %d assistant", m.UserMessages, m.AssistantMessages)
	}
	if m.DurationSeconds != 90 {
		t.Fatalf("duration = %d, want 90", m.DurationSeconds)
	}

	// The tool call pairs with the result 6 seconds later.
	if m.TotalLatencyMs != 6000 || m.P50LatencyMs != 6000 || m.P95LatencyMs != 6000 {
		t.Fatalf("latency = total %d p50 %d p95 %d", m.TotalLatencyMs, m.P50LatencyMs, m.P95LatencyMs)
	}

	// /src/token.go from the edit arguments: 3 new lines, 2 old lines.
	if m.FilesTouched != 1 || m.LinesAdded != 3 || m.LinesRemoved != 2 {
		t.Fatalf("files = %d added %d removed %d", m.FilesTouched, m.LinesAdded, m.LinesRemoved)
	}

	if m.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q", m.Model)
	}
	if m.InputTokens == 0 || m.OutputTokens == 0 {
		t.Fatalf("token estimate = %d in, %d out", m.InputTokens, m.OutputTokens)
	}
	if m.EstimatedCost <= 0 {
		t.Fatalf("estimated cost = %v", m.EstimatedCost)
	}

	stored, err := s.GetSessionMetrics(ctx, id)
	if err != nil {
		t.Fatalf("GetSessionMetrics() error = %v", err)
	}
	if stored.TotalEvents != m.TotalEvents || stored.EstimatedCost != m.EstimatedCost {
		t.Fatalf("stored metrics diverge: %+v vs %+v", stored, m)
	}

	// Recompute replaces rather than accumulates.
	if _, err := s.ComputeSessionMetrics(ctx, id); err != nil {
		t.Fatalf("recompute error = %v", err)
	}
	freq, err := s.ToolCallFrequency(ctx, StatsRange{})
	if err != nil {
		t.Fatalf("ToolCallFrequency() error = %v", err)
	}
	if len(freq) != 1 || freq[0].ToolName != "edit_file" || freq[0].CallCount != 1 {
		t.Fatalf("tool frequency = %+v", freq)
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 500); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}

	// Error messages can carry multibyte text; the byte cap must never
	// split a rune.
	s := strings.Repeat("é", 10)
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if len(got) != 4 {
		t.Fatalf("truncate length = %d bytes, want 4", len(got))
	}
}

func TestStatsAggregations(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	session, events := sampleSession("ext-stats")
	events = append(events, model.Event{
		ID:         model.NewID(),
		Kind:       model.KindError,
		Content:    "Error: tool timed out",
		Timestamp:  session.UpdatedAt,
		RawPayload: json.RawMessage(`{"type":"error"}`),
	})
	id, err := s.InsertSessionWithEvents(ctx, session, events)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.ComputeSessionMetrics(ctx, id); err != nil {
		t.Fatalf("metrics: %v", err)
	}

	days, err := s.ActivityByDay(ctx, StatsRange{}, "")
	if err != nil {
		t.Fatalf("ActivityByDay() error = %v", err)
	}
	if len(days) != 1 || days[0].Day != "2024-03-01" || days[0].Events != 5 {
		t.Fatalf("activity = %+v", days)
	}

	topErrs, err := s.TopErrors(ctx, StatsRange{}, 5)
	if err != nil {
		t.Fatalf("TopErrors() error = %v", err)
	}
	if len(topErrs) != 1 || topErrs[0].Signature != "Error: tool timed out" {
		t.Fatalf("top errors = %+v", topErrs)
	}

	bySource, err := s.StatsBySource(ctx)
	if err != nil {
		t.Fatalf("StatsBySource() error = %v", err)
	}
	if len(bySource) != 1 || bySource[0].Key != "claude" || bySource[0].Sessions != 1 {
		t.Fatalf("by source = %+v", bySource)
	}

	byProject, err := s.StatsByProject(ctx, "")
	if err != nil {
		t.Fatalf("StatsByProject() error = %v", err)
	}
	if len(byProject) != 1 || byProject[0].Key != "widget" {
		t.Fatalf("by project = %+v", byProject)
	}

	churn, err := s.PatchChurnByDay(ctx, StatsRange{})
	if err != nil {
		t.Fatalf("PatchChurnByDay() error = %v", err)
	}
	if len(churn) != 1 || churn[0].FilesChanged != 1 || churn[0].LinesAdded != 3 {
		t.Fatalf("churn = %+v", churn)
	}

	files, err := s.FilesLeaderboard(ctx, StatsRange{}, 10)
	if err != nil {
		t.Fatalf("FilesLeaderboard() error = %v", err)
	}
	if len(files) != 1 || files[0].FilePath != "/src/token.go" {
		t.Fatalf("files = %+v", files)
	}

	// The 6s edit_file call clears the default 5s threshold.
	slow, err := s.LongRunningToolCalls(ctx, StatsRange{}, 0, 0)
	if err != nil {
		t.Fatalf("LongRunningToolCalls() error = %v", err)
	}
	if len(slow) != 1 || slow[0].ToolName != "edit_file" || slow[0].DurationMs != 6000 {
		t.Fatalf("slow calls = %+v", slow)
	}
	slow, err = s.LongRunningToolCalls(ctx, StatsRange{}, 7000, 5)
	if err != nil {
		t.Fatalf("LongRunningToolCalls(7s) error = %v", err)
	}
	if len(slow) != 0 {
		t.Fatalf("slow calls above 7s = %+v, want none", slow)
	}
}
