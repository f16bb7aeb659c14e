package store

// Facet filters encode an unset facet as the empty string, never NULL;
// every filtered query below leans on that sentinel.

const listSessionsSQL = `
SELECT id, source, external_id, project, title, created_at, updated_at, raw_payload
FROM sessions
WHERE (?1 = '' OR source = ?1)
  AND (?2 = '' OR project = ?2)
  AND (?3 = '' OR updated_at >= ?3)
ORDER BY updated_at DESC
LIMIT ?4 OFFSET ?5
`

const getSessionSQL = `
SELECT id, source, external_id, project, title, created_at, updated_at, raw_payload
FROM sessions
WHERE id = ?1
`

const getSessionEventsSQL = `
SELECT id, session_id, kind, role, content, timestamp, raw_payload
FROM events
WHERE session_id = ?1
ORDER BY timestamp ASC
`

const upsertSessionSQL = `
INSERT INTO sessions (id, source, external_id, project, title, created_at, updated_at, raw_payload)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
ON CONFLICT(source, external_id) DO UPDATE SET
  title = excluded.title,
  updated_at = excluded.updated_at,
  raw_payload = excluded.raw_payload
RETURNING id, created_at
`

const deleteSessionEventsSQL = `DELETE FROM events WHERE session_id = ?1`

const insertEventSQL = `
INSERT INTO events (id, session_id, kind, role, content, timestamp, raw_payload)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)
`

const searchEventsSQL = `
SELECT e.id, e.session_id, e.kind, e.role, e.content, e.timestamp, e.raw_payload, rank
FROM events_fts f
JOIN events e ON e.rowid = f.rowid
JOIN sessions s ON e.session_id = s.id
WHERE events_fts MATCH ?1
  AND (?2 = '' OR s.source = ?2)
  AND (?3 = '' OR s.project = ?3)
  AND (?4 = '' OR e.kind = ?4)
  AND (?5 = '' OR e.timestamp >= ?5)
ORDER BY rank
LIMIT ?6 OFFSET ?7
`

const searchSessionsSQL = `
SELECT s.id, s.source, s.external_id, s.project, s.title, s.created_at, s.updated_at, s.raw_payload, rank
FROM sessions_fts f
JOIN sessions s ON s.rowid = f.rowid
WHERE sessions_fts MATCH ?1
  AND (?2 = '' OR s.source = ?2)
  AND (?3 = '' OR s.project = ?3)
  AND (?4 = '' OR s.created_at >= ?4)
ORDER BY rank
LIMIT ?5 OFFSET ?6
`

const activityByDaySQL = `
SELECT DATE(timestamp) as day,
       COUNT(*) as event_count,
       COUNT(DISTINCT session_id) as session_count
FROM events
WHERE (?1 = '' OR timestamp >= ?1)
  AND (?2 = '' OR timestamp < ?2)
  AND (?3 = '' OR kind = ?3)
GROUP BY DATE(timestamp)
ORDER BY day DESC
`

const errorsByDaySQL = `
SELECT DATE(timestamp) as day,
       COUNT(*) as error_count,
       content
FROM events
WHERE kind = 'error'
  AND (?1 = '' OR timestamp >= ?1)
  AND (?2 = '' OR timestamp < ?2)
GROUP BY DATE(timestamp), content
ORDER BY day DESC, error_count DESC
`

const topErrorSignaturesSQL = `
SELECT COALESCE(content, 'Unknown error') as signature,
       COUNT(*) as count
FROM events
WHERE kind = 'error'
  AND (?1 = '' OR timestamp >= ?1)
  AND (?2 = '' OR timestamp < ?2)
GROUP BY content
ORDER BY count DESC
LIMIT ?3
`

const statsBySourceSQL = `
SELECT source,
       COUNT(*) as session_count,
       MIN(created_at) as earliest,
       MAX(updated_at) as latest
FROM sessions
GROUP BY source
ORDER BY session_count DESC
`

const statsByProjectSQL = `
SELECT COALESCE(NULLIF(project, ''), 'Unknown') as project,
       COUNT(*) as session_count,
       MIN(created_at) as earliest,
       MAX(updated_at) as latest
FROM sessions
WHERE (?1 = '' OR source = ?1)
GROUP BY project
ORDER BY session_count DESC
`

const statsByKindSQL = `
SELECT kind,
       COUNT(*) as count,
       COUNT(DISTINCT session_id) as sessions
FROM events
WHERE (?1 = '' OR timestamp >= ?1)
  AND (?2 = '' OR timestamp < ?2)
GROUP BY kind
ORDER BY count DESC
`

const getSourcesSQL = `SELECT DISTINCT source FROM sessions ORDER BY source`

const getProjectsSQL = `SELECT DISTINCT project FROM sessions WHERE project IS NOT NULL AND project != '' ORDER BY project`

const getEventKindsSQL = `SELECT DISTINCT kind FROM events ORDER BY kind`

const toolCallFrequencySQL = `
SELECT tool_name,
       COUNT(*) as call_count,
       COUNT(DISTINCT session_id) as sessions,
       AVG(duration_ms) as avg_duration_ms,
       MAX(duration_ms) as max_duration_ms
FROM tool_calls
WHERE (?1 = '' OR started_at >= ?1)
  AND (?2 = '' OR started_at < ?2)
GROUP BY tool_name
ORDER BY call_count DESC
`

const filesLeaderboardSQL = `
SELECT file_path,
       COUNT(*) as touch_count,
       COUNT(DISTINCT session_id) as sessions,
       SUM(lines_added) as total_lines_added,
       SUM(lines_removed) as total_lines_removed
FROM files_touched
WHERE (?1 = '' OR touched_at >= ?1)
  AND (?2 = '' OR touched_at < ?2)
GROUP BY file_path
ORDER BY touch_count DESC
LIMIT ?3
`

const patchChurnByDaySQL = `
SELECT DATE(touched_at) as day,
       COUNT(DISTINCT file_path) as files_changed,
       SUM(lines_added) as lines_added,
       SUM(lines_removed) as lines_removed
FROM files_touched
WHERE (?1 = '' OR touched_at >= ?1)
  AND (?2 = '' OR touched_at < ?2)
GROUP BY DATE(touched_at)
ORDER BY day DESC
`

const longRunningToolCallsSQL = `
SELECT t.tool_name, t.duration_ms, t.started_at, t.error_message,
       s.external_id, s.project
FROM tool_calls t
JOIN sessions s ON t.session_id = s.id
WHERE t.duration_ms IS NOT NULL
  AND t.duration_ms >= ?3
  AND (?1 = '' OR t.started_at >= ?1)
  AND (?2 = '' OR t.started_at < ?2)
ORDER BY t.duration_ms DESC
LIMIT ?4
`

const upsertSessionMetricsSQL = `
INSERT INTO session_metrics (
  session_id, total_events, message_count, tool_call_count, tool_result_count,
  error_count, user_messages, assistant_messages, duration_seconds,
  files_touched, lines_added, lines_removed, computed_at,
  model, provider, input_tokens, output_tokens, estimated_cost,
  total_latency_ms, avg_latency_ms, p50_latency_ms, p95_latency_ms
) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17, ?18, ?19, ?20, ?21, ?22)
ON CONFLICT(session_id) DO UPDATE SET
  total_events = excluded.total_events,
  message_count = excluded.message_count,
  tool_call_count = excluded.tool_call_count,
  tool_result_count = excluded.tool_result_count,
  error_count = excluded.error_count,
  user_messages = excluded.user_messages,
  assistant_messages = excluded.assistant_messages,
  duration_seconds = excluded.duration_seconds,
  files_touched = excluded.files_touched,
  lines_added = excluded.lines_added,
  lines_removed = excluded.lines_removed,
  computed_at = excluded.computed_at,
  model = excluded.model,
  provider = excluded.provider,
  input_tokens = excluded.input_tokens,
  output_tokens = excluded.output_tokens,
  estimated_cost = excluded.estimated_cost,
  total_latency_ms = excluded.total_latency_ms,
  avg_latency_ms = excluded.avg_latency_ms,
  p50_latency_ms = excluded.p50_latency_ms,
  p95_latency_ms = excluded.p95_latency_ms
`

const getSessionMetricsSQL = `
SELECT session_id, total_events, message_count, tool_call_count, tool_result_count,
       error_count, user_messages, assistant_messages, duration_seconds,
       files_touched, lines_added, lines_removed, computed_at,
       model, provider, input_tokens, output_tokens, estimated_cost,
       total_latency_ms, avg_latency_ms, p50_latency_ms, p95_latency_ms
FROM session_metrics
WHERE session_id = ?1
`

const deleteToolCallsSQL = `DELETE FROM tool_calls WHERE session_id = ?1`

const insertToolCallSQL = `
INSERT INTO tool_calls (id, session_id, event_id, tool_name, started_at, completed_at, duration_ms, success, error_message)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
`

const deleteFilesTouchedSQL = `DELETE FROM files_touched WHERE session_id = ?1`

const insertFileTouchedSQL = `
INSERT INTO files_touched (id, session_id, file_path, operation, lines_added, lines_removed, touched_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)
`
