package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stormlightlabs/agentv/internal/model"
)

// SessionMetrics is the derived rollup for one session. It is fully
// recomputable from the session's events; recompute overwrites it.
type SessionMetrics struct {
	SessionID         string
	TotalEvents       int64
	MessageCount      int64
	ToolCallCount     int64
	ToolResultCount   int64
	ErrorCount        int64
	UserMessages      int64
	AssistantMessages int64
	DurationSeconds   int64
	FilesTouched      int64
	LinesAdded        int64
	LinesRemoved      int64
	ComputedAt        time.Time
	Model             string
	Provider          string
	InputTokens       int64
	OutputTokens      int64
	EstimatedCost     float64
	TotalLatencyMs    int64
	AvgLatencyMs      float64
	P50LatencyMs      int64
	P95LatencyMs      int64
}

// toolCallRecord is one paired tool invocation extracted from events.
type toolCallRecord struct {
	eventID      string
	toolName     string
	startedAt    time.Time
	completedAt  time.Time
	durationMs   int64
	hasDuration  bool
	success      sql.NullBool
	errorMessage string
}

// fileTouchRecord is one file modification extracted from events.
type fileTouchRecord struct {
	filePath     string
	operation    string
	linesAdded   int64
	linesRemoved int64
	touchedAt    time.Time
}

// ComputeSessionMetrics derives the full metrics rollup for one session
// from its stored events and persists it, replacing any previous rollup
// plus the session's tool_calls and files_touched rows. Each tool call
// is paired with the next tool result to measure latency; files come
// from tool arguments and patch payloads; cost uses real token usage
// when the source reports it, otherwise a content-length estimate.
func (s *Store) ComputeSessionMetrics(ctx context.Context, sessionID string) (SessionMetrics, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return SessionMetrics{}, err
	}
	events, err := s.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return SessionMetrics{}, err
	}

	m := SessionMetrics{
		SessionID:   sessionID,
		TotalEvents: int64(len(events)),
		ComputedAt:  time.Now().UTC(),
	}

	for _, ev := range events {
		switch ev.Kind {
		case model.KindMessage:
			m.MessageCount++
			switch ev.Role {
			case model.RoleUser:
				m.UserMessages++
			case model.RoleAssistant:
				m.AssistantMessages++
			}
		case model.KindToolCall:
			m.ToolCallCount++
		case model.KindToolResult:
			m.ToolResultCount++
		case model.KindError:
			m.ErrorCount++
		}
	}

	if len(events) > 0 {
		first := events[0].Timestamp
		last := events[len(events)-1].Timestamp
		if last.After(first) {
			m.DurationSeconds = int64(last.Sub(first).Seconds())
		}
	}

	toolCalls := pairToolCalls(events)
	touches := extractFileTouches(events)

	seen := make(map[string]bool)
	for _, ft := range touches {
		if !seen[ft.filePath] {
			seen[ft.filePath] = true
			m.FilesTouched++
		}
		m.LinesAdded += ft.linesAdded
		m.LinesRemoved += ft.linesRemoved
	}

	var latencies []int64
	for _, tc := range toolCalls {
		if tc.hasDuration {
			latencies = append(latencies, tc.durationMs)
			m.TotalLatencyMs += tc.durationMs
		}
	}
	if len(latencies) > 0 {
		m.AvgLatencyMs = float64(m.TotalLatencyMs) / float64(len(latencies))
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		m.P50LatencyMs = percentile(latencies, 50)
		m.P95LatencyMs = percentile(latencies, 95)
	}

	m.Model, m.Provider = detectModel(session, events)
	m.InputTokens, m.OutputTokens = tokenUsage(session, events)
	if meta, ok := model.LookupModel(m.Model); ok {
		m.EstimatedCost = meta.Cost(int(m.InputTokens), int(m.OutputTokens))
		if m.Provider == "" {
			m.Provider = meta.Provider
		}
	}

	if err := s.writeMetrics(ctx, m, toolCalls, touches); err != nil {
		return SessionMetrics{}, err
	}
	return m, nil
}

func (s *Store) writeMetrics(ctx context.Context, m SessionMetrics, calls []toolCallRecord, touches []fileTouchRecord) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, upsertSessionMetricsSQL,
		m.SessionID, m.TotalEvents, m.MessageCount, m.ToolCallCount, m.ToolResultCount,
		m.ErrorCount, m.UserMessages, m.AssistantMessages, m.DurationSeconds,
		m.FilesTouched, m.LinesAdded, m.LinesRemoved, formatTime(m.ComputedAt),
		m.Model, m.Provider, m.InputTokens, m.OutputTokens, m.EstimatedCost,
		m.TotalLatencyMs, m.AvgLatencyMs, m.P50LatencyMs, m.P95LatencyMs,
	); err != nil {
		return fmt.Errorf("upsert session metrics: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteToolCallsSQL, m.SessionID); err != nil {
		return fmt.Errorf("clear tool calls: %w", err)
	}
	for _, tc := range calls {
		var (
			completedAt any
			durationMs  any
		)
		if tc.hasDuration {
			completedAt = formatTime(tc.completedAt)
			durationMs = tc.durationMs
		}
		if _, err := tx.ExecContext(ctx, insertToolCallSQL,
			model.NewID(), m.SessionID, tc.eventID, tc.toolName,
			formatTime(tc.startedAt), completedAt, durationMs,
			tc.success, nullableStr(tc.errorMessage),
		); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, deleteFilesTouchedSQL, m.SessionID); err != nil {
		return fmt.Errorf("clear files touched: %w", err)
	}
	for _, ft := range touches {
		if _, err := tx.ExecContext(ctx, insertFileTouchedSQL,
			model.NewID(), m.SessionID, ft.filePath, ft.operation,
			ft.linesAdded, ft.linesRemoved, formatTime(ft.touchedAt),
		); err != nil {
			return fmt.Errorf("insert file touched: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics tx: %w", err)
	}
	return nil
}

// GetSessionMetrics fetches the persisted rollup for one session.
func (s *Store) GetSessionMetrics(ctx context.Context, sessionID string) (SessionMetrics, error) {
	row := s.reader.QueryRowContext(ctx, getSessionMetricsSQL, sessionID)

	var (
		m          SessionMetrics
		duration   sql.NullInt64
		computedAt string
		modelName  sql.NullString
		provider   sql.NullString
		inTokens   sql.NullInt64
		outTokens  sql.NullInt64
		cost       sql.NullFloat64
		totalLat   sql.NullInt64
		avgLat     sql.NullFloat64
		p50        sql.NullInt64
		p95        sql.NullInt64
	)
	err := row.Scan(
		&m.SessionID, &m.TotalEvents, &m.MessageCount, &m.ToolCallCount, &m.ToolResultCount,
		&m.ErrorCount, &m.UserMessages, &m.AssistantMessages, &duration,
		&m.FilesTouched, &m.LinesAdded, &m.LinesRemoved, &computedAt,
		&modelName, &provider, &inTokens, &outTokens, &cost,
		&totalLat, &avgLat, &p50, &p95,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionMetrics{}, ErrNotFound
	}
	if err != nil {
		return SessionMetrics{}, err
	}
	m.DurationSeconds = duration.Int64
	m.ComputedAt = parseTime(computedAt)
	m.Model = modelName.String
	m.Provider = provider.String
	m.InputTokens = inTokens.Int64
	m.OutputTokens = outTokens.Int64
	m.EstimatedCost = cost.Float64
	m.TotalLatencyMs = totalLat.Int64
	m.AvgLatencyMs = avgLat.Float64
	m.P50LatencyMs = p50.Int64
	m.P95LatencyMs = p95.Int64
	return m, nil
}

// pairToolCalls matches each tool call event with the next tool result
// that follows it, treating the gap between their timestamps as latency.
// Unmatched calls keep a NULL duration.
func pairToolCalls(events []model.Event) []toolCallRecord {
	var records []toolCallRecord

	for i, ev := range events {
		if ev.Kind != model.KindToolCall {
			continue
		}
		rec := toolCallRecord{
			eventID:   ev.ID,
			toolName:  extractToolName(ev),
			startedAt: ev.Timestamp,
		}
		for j := i + 1; j < len(events); j++ {
			next := events[j]
			if next.Kind == model.KindToolCall {
				break
			}
			if next.Kind != model.KindToolResult {
				continue
			}
			rec.completedAt = next.Timestamp
			if d := next.Timestamp.Sub(ev.Timestamp); d >= 0 {
				rec.durationMs = d.Milliseconds()
				rec.hasDuration = true
			}
			failed := looksLikeFailure(next.Content)
			rec.success = sql.NullBool{Bool: !failed, Valid: true}
			if failed {
				rec.errorMessage = truncate(next.Content, 500)
			}
			break
		}
		records = append(records, rec)
	}
	return records
}

var (
	calledToolRe  = regexp.MustCompile(`^Called (\S+) with arguments`)
	taggedToolRe  = regexp.MustCompile(`\[Tool: ([^\]\s(]+)`)
	failureMarkRe = regexp.MustCompile(`(?i)^\s*(error|failed|exception|traceback|permission denied)`)
)

// extractToolName recovers a tool name from an event's content or raw
// payload, falling back to "unknown". Adapters render tool calls in a
// handful of shapes, so each known pattern is tried in turn.
func extractToolName(ev model.Event) string {
	if m := calledToolRe.FindStringSubmatch(ev.Content); m != nil {
		return m[1]
	}
	if m := taggedToolRe.FindStringSubmatch(ev.Content); m != nil {
		return m[1]
	}

	var payload map[string]any
	if err := json.Unmarshal(ev.RawPayload, &payload); err == nil {
		for _, key := range []string{"tool_name", "tool", "name"} {
			if v, ok := payload[key].(string); ok && v != "" {
				return v
			}
		}
	}

	// JSON-shaped content, like the opencode tool call events.
	var body map[string]any
	if err := json.Unmarshal([]byte(ev.Content), &body); err == nil {
		for _, key := range []string{"tool", "name"} {
			if v, ok := body[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return "unknown"
}

func looksLikeFailure(content string) bool {
	return failureMarkRe.MatchString(content)
}

// filePathKeys are the argument names tool payloads use for the file
// being read or written.
var filePathKeys = []string{"file_path", "filePath", "path", "filename", "notebook_path"}

// extractFileTouches scans tool call events for file arguments and patch
// line counts in their raw payloads.
func extractFileTouches(events []model.Event) []fileTouchRecord {
	var touches []fileTouchRecord

	for _, ev := range events {
		if ev.Kind != model.KindToolCall {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.RawPayload, &payload); err != nil {
			continue
		}
		args := toolArguments(payload)
		if args == nil {
			continue
		}
		path := firstString(args, filePathKeys)
		if path == "" {
			continue
		}

		touch := fileTouchRecord{
			filePath:  path,
			operation: fileOperation(extractToolName(ev), args),
			touchedAt: ev.Timestamp,
		}
		touch.linesAdded, touch.linesRemoved = patchLineCounts(args)
		touches = append(touches, touch)
	}
	return touches
}

// toolArguments digs the tool argument object out of the raw payload,
// trying the nesting each source uses before falling back to the
// payload itself.
func toolArguments(payload map[string]any) map[string]any {
	for _, key := range []string{"input", "arguments", "args", "toolInput", "tool_input"} {
		switch v := payload[key].(type) {
		case map[string]any:
			return v
		case string:
			var parsed map[string]any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return parsed
			}
		}
	}
	if msg, ok := payload["message"].(map[string]any); ok {
		if nested := toolArguments(msg); nested != nil {
			return nested
		}
	}
	return payload
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func fileOperation(toolName string, args map[string]any) string {
	lower := strings.ToLower(toolName)
	switch {
	case strings.Contains(lower, "read") || strings.Contains(lower, "view") || strings.Contains(lower, "cat"):
		return "read"
	case strings.Contains(lower, "edit") || strings.Contains(lower, "patch") || strings.Contains(lower, "replace"):
		return "edit"
	case strings.Contains(lower, "write") || strings.Contains(lower, "create"):
		return "write"
	}
	if _, ok := args["old_string"]; ok {
		return "edit"
	}
	if _, ok := args["content"]; ok {
		return "write"
	}
	return "unknown"
}

// patchLineCounts counts added and removed lines from whichever patch
// representation the payload carries.
func patchLineCounts(args map[string]any) (added, removed int64) {
	if v, ok := numeric(args["lines_added"]); ok {
		added = v
	}
	if v, ok := numeric(args["lines_removed"]); ok {
		removed = v
	}
	if added != 0 || removed != 0 {
		return added, removed
	}

	if newStr, ok := args["new_string"].(string); ok {
		added = countLines(newStr)
		if oldStr, ok := args["old_string"].(string); ok {
			removed = countLines(oldStr)
		}
		return added, removed
	}
	if content, ok := args["content"].(string); ok {
		return countLines(content), 0
	}
	if patch, ok := args["patch"].(string); ok {
		for _, line := range strings.Split(patch, "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				added++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				removed++
			}
		}
	}
	return added, removed
}

func countLines(s string) int64 {
	if s == "" {
		return 0
	}
	return int64(strings.Count(s, "\n") + 1)
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// detectModel finds the model and provider names in the session or event
// payloads. The session payload wins when it carries them directly.
func detectModel(session model.Session, events []model.Event) (modelName, provider string) {
	if m, p := modelFromPayload(session.RawPayload); m != "" {
		return m, p
	}
	for _, ev := range events {
		if ev.Role != model.RoleAssistant && ev.Kind != model.KindToolCall {
			continue
		}
		if m, p := modelFromPayload(ev.RawPayload); m != "" {
			return m, p
		}
	}
	return "", ""
}

func modelFromPayload(raw json.RawMessage) (modelName, provider string) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", ""
	}
	modelName = firstString(payload, []string{"model", "model_id"})
	provider = firstString(payload, []string{"provider", "providerID"})
	if modelName == "" {
		if msg, ok := payload["message"].(map[string]any); ok {
			modelName = firstString(msg, []string{"model"})
		}
	}
	return modelName, provider
}

// tokenUsage sums real token counts reported in payloads; when none are
// present it falls back to estimating from content length, attributing
// user text to input and assistant text to output.
func tokenUsage(session model.Session, events []model.Event) (input, output int64) {
	if in, out, ok := usageFromPayload(session.RawPayload); ok {
		return in, out
	}

	var found bool
	for _, ev := range events {
		if in, out, ok := usageFromPayload(ev.RawPayload); ok {
			input += in
			output += out
			found = true
		}
	}
	if found {
		return input, output
	}

	for _, ev := range events {
		switch ev.Role {
		case model.RoleAssistant:
			output += int64(model.EstimateTokens(ev.Content))
		default:
			input += int64(model.EstimateTokens(ev.Content))
		}
	}
	return input, output
}

func usageFromPayload(raw json.RawMessage) (input, output int64, ok bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, 0, false
	}

	candidates := []map[string]any{payload}
	if usage, isMap := payload["usage"].(map[string]any); isMap {
		candidates = append(candidates, usage)
	}
	if msg, isMap := payload["message"].(map[string]any); isMap {
		if usage, isMap := msg["usage"].(map[string]any); isMap {
			candidates = append(candidates, usage)
		}
	}

	for _, c := range candidates {
		in, inOK := numeric(firstOf(c, "input_tokens", "prompt_tokens"))
		out, outOK := numeric(firstOf(c, "output_tokens", "completion_tokens"))
		if inOK || outOK {
			return in, out, true
		}
	}
	return 0, 0, false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

// percentile takes the nearest-rank percentile of an ascending slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// truncate caps s at n bytes without splitting a multibyte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
