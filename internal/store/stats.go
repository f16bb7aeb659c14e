package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StatsRange bounds an aggregation window. Zero times mean unbounded.
type StatsRange struct {
	From time.Time
	To   time.Time
}

func (r StatsRange) bounds() (string, string) {
	return formatOptTime(r.From), formatOptTime(r.To)
}

// DayActivity is one row of per-day event volume.
type DayActivity struct {
	Day      string
	Events   int64
	Sessions int64
}

// DayErrors is one (day, signature) error bucket.
type DayErrors struct {
	Day       string
	Count     int64
	Signature string
}

// ErrorSignature is one distinct error content with its frequency.
type ErrorSignature struct {
	Signature string
	Count     int64
}

// GroupedStats is one per-source or per-project session rollup.
type GroupedStats struct {
	Key      string
	Sessions int64
	Earliest time.Time
	Latest   time.Time
}

// KindStats is one per-kind event rollup.
type KindStats struct {
	Kind     string
	Count    int64
	Sessions int64
}

// ToolFrequency is one tool's call volume and duration profile.
type ToolFrequency struct {
	ToolName      string
	CallCount     int64
	Sessions      int64
	AvgDurationMs float64
	MaxDurationMs int64
}

// FileActivity is one file's touch leaderboard row.
type FileActivity struct {
	FilePath     string
	TouchCount   int64
	Sessions     int64
	LinesAdded   int64
	LinesRemoved int64
}

// DayChurn is one day's patch churn rollup.
type DayChurn struct {
	Day          string
	FilesChanged int64
	LinesAdded   int64
	LinesRemoved int64
}

// SlowToolCall is one tool invocation above the slowness threshold.
type SlowToolCall struct {
	ToolName          string
	DurationMs        int64
	StartedAt         time.Time
	ErrorMessage      string
	SessionExternalID string
	Project           string
}

// DefaultSlowThresholdMs is the minimum duration for a tool call to show
// up in the slow-call report.
const DefaultSlowThresholdMs = 5000

// ActivityByDay aggregates event and session counts per calendar day,
// optionally restricted to one event kind.
func (s *Store) ActivityByDay(ctx context.Context, r StatsRange, kind string) ([]DayActivity, error) {
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, activityByDaySQL, from, to, kind)
	if err != nil {
		return nil, fmt.Errorf("activity by day: %w", err)
	}
	defer rows.Close()

	var out []DayActivity
	for rows.Next() {
		var d DayActivity
		if err := rows.Scan(&d.Day, &d.Events, &d.Sessions); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ErrorsByDay buckets error events per day and distinct content.
func (s *Store) ErrorsByDay(ctx context.Context, r StatsRange) ([]DayErrors, error) {
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, errorsByDaySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("errors by day: %w", err)
	}
	defer rows.Close()

	var out []DayErrors
	for rows.Next() {
		var d DayErrors
		var sig sql.NullString
		if err := rows.Scan(&d.Day, &d.Count, &sig); err != nil {
			return nil, err
		}
		d.Signature = sig.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// TopErrors returns the most frequent error contents.
func (s *Store) TopErrors(ctx context.Context, r StatsRange, limit int) ([]ErrorSignature, error) {
	if limit <= 0 {
		limit = 10
	}
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, topErrorSignaturesSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("top errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorSignature
	for rows.Next() {
		var e ErrorSignature
		if err := rows.Scan(&e.Signature, &e.Count); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StatsBySource rolls up session counts per source.
func (s *Store) StatsBySource(ctx context.Context) ([]GroupedStats, error) {
	return s.groupedStats(ctx, statsBySourceSQL)
}

// StatsByProject rolls up session counts per project, optionally
// restricted to one source. Sessions with no project group as "Unknown".
func (s *Store) StatsByProject(ctx context.Context, source string) ([]GroupedStats, error) {
	return s.groupedStats(ctx, statsByProjectSQL, source)
}

func (s *Store) groupedStats(ctx context.Context, query string, args ...any) ([]GroupedStats, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("grouped stats: %w", err)
	}
	defer rows.Close()

	var out []GroupedStats
	for rows.Next() {
		var (
			g        GroupedStats
			earliest string
			latest   string
		)
		if err := rows.Scan(&g.Key, &g.Sessions, &earliest, &latest); err != nil {
			return nil, err
		}
		g.Earliest = parseTime(earliest)
		g.Latest = parseTime(latest)
		out = append(out, g)
	}
	return out, rows.Err()
}

// StatsByKind rolls up event counts per kind.
func (s *Store) StatsByKind(ctx context.Context, r StatsRange) ([]KindStats, error) {
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, statsByKindSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("stats by kind: %w", err)
	}
	defer rows.Close()

	var out []KindStats
	for rows.Next() {
		var k KindStats
		if err := rows.Scan(&k.Kind, &k.Count, &k.Sessions); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ToolCallFrequency ranks tools by call volume with duration profiles.
func (s *Store) ToolCallFrequency(ctx context.Context, r StatsRange) ([]ToolFrequency, error) {
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, toolCallFrequencySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("tool frequency: %w", err)
	}
	defer rows.Close()

	var out []ToolFrequency
	for rows.Next() {
		var (
			t   ToolFrequency
			avg sql.NullFloat64
			max sql.NullInt64
		)
		if err := rows.Scan(&t.ToolName, &t.CallCount, &t.Sessions, &avg, &max); err != nil {
			return nil, err
		}
		t.AvgDurationMs = avg.Float64
		t.MaxDurationMs = max.Int64
		out = append(out, t)
	}
	return out, rows.Err()
}

// FilesLeaderboard ranks files by how often sessions touched them.
func (s *Store) FilesLeaderboard(ctx context.Context, r StatsRange, limit int) ([]FileActivity, error) {
	if limit <= 0 {
		limit = 20
	}
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, filesLeaderboardSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("files leaderboard: %w", err)
	}
	defer rows.Close()

	var out []FileActivity
	for rows.Next() {
		var (
			f       FileActivity
			added   sql.NullInt64
			removed sql.NullInt64
		)
		if err := rows.Scan(&f.FilePath, &f.TouchCount, &f.Sessions, &added, &removed); err != nil {
			return nil, err
		}
		f.LinesAdded = added.Int64
		f.LinesRemoved = removed.Int64
		out = append(out, f)
	}
	return out, rows.Err()
}

// PatchChurnByDay aggregates file-touch churn per day.
func (s *Store) PatchChurnByDay(ctx context.Context, r StatsRange) ([]DayChurn, error) {
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, patchChurnByDaySQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("patch churn: %w", err)
	}
	defer rows.Close()

	var out []DayChurn
	for rows.Next() {
		var (
			d       DayChurn
			added   sql.NullInt64
			removed sql.NullInt64
		)
		if err := rows.Scan(&d.Day, &d.FilesChanged, &added, &removed); err != nil {
			return nil, err
		}
		d.LinesAdded = added.Int64
		d.LinesRemoved = removed.Int64
		out = append(out, d)
	}
	return out, rows.Err()
}

// LongRunningToolCalls lists the slowest tool invocations at or above
// minDurationMs, most recent window first by duration.
func (s *Store) LongRunningToolCalls(ctx context.Context, r StatsRange, minDurationMs int64, limit int) ([]SlowToolCall, error) {
	if minDurationMs <= 0 {
		minDurationMs = DefaultSlowThresholdMs
	}
	if limit <= 0 {
		limit = 20
	}
	from, to := r.bounds()
	rows, err := s.reader.QueryContext(ctx, longRunningToolCallsSQL, from, to, minDurationMs, limit)
	if err != nil {
		return nil, fmt.Errorf("long running tool calls: %w", err)
	}
	defer rows.Close()

	var out []SlowToolCall
	for rows.Next() {
		var (
			c         SlowToolCall
			startedAt string
			errMsg    sql.NullString
		)
		if err := rows.Scan(&c.ToolName, &c.DurationMs, &startedAt, &errMsg, &c.SessionExternalID, &c.Project); err != nil {
			return nil, err
		}
		c.StartedAt = parseTime(startedAt)
		c.ErrorMessage = errMsg.String
		out = append(out, c)
	}
	return out, rows.Err()
}
