package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stormlightlabs/agentv/internal/model"
	_ "modernc.org/sqlite"
)

// maxScanDepth bounds the home-directory walk that locates crush
// databases at <project>/.crush/crush.db.
const maxScanDepth = 6

// skipDirs are directory names never descended into during the scan.
var skipDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"vendor":       true,
	"build":        true,
	"dist":         true,
	".git":         true,
	"Cache":        true,
}

const (
	crushCheckSessionsTable = `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sessions'`

	crushListSessions = `SELECT id FROM sessions WHERE parent_session_id IS NULL ORDER BY updated_at DESC`

	crushGetSessionWithTodos = `
SELECT id, parent_session_id, title, message_count, prompt_tokens, completion_tokens, cost,
       updated_at, created_at, summary_message_id, todos
FROM sessions WHERE id = ?`

	crushGetSessionWithoutTodos = `
SELECT id, parent_session_id, title, message_count, prompt_tokens, completion_tokens, cost,
       updated_at, created_at, summary_message_id, NULL as todos
FROM sessions WHERE id = ?`

	crushGetMessagesFull = `
SELECT id, session_id, role, parts, model, provider, created_at, updated_at, finished_at, is_summary_message
FROM messages WHERE session_id = ? ORDER BY created_at ASC`

	crushGetMessagesNoProvider = `
SELECT id, session_id, role, parts, model, NULL as provider, created_at, updated_at, finished_at, is_summary_message
FROM messages WHERE session_id = ? ORDER BY created_at ASC`

	crushGetMessagesNoSummaryFlag = `
SELECT id, session_id, role, parts, model, provider, created_at, updated_at, finished_at, 0 as is_summary_message
FROM messages WHERE session_id = ? ORDER BY created_at ASC`

	crushGetMessagesMinimal = `
SELECT id, session_id, role, parts, model, NULL as provider, created_at, updated_at, finished_at, 0 as is_summary_message
FROM messages WHERE session_id = ? ORDER BY created_at ASC`

	crushCheckProviderColumn = `SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name='provider'`
	crushCheckSummaryColumn  = `SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name='is_summary_message'`
	crushCheckTodosColumn    = `SELECT COUNT(*) FROM pragma_table_info('sessions') WHERE name='todos'`
	crushCheckReadFilesTable = `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='read_files'`

	crushGetReadFiles = `SELECT session_id, path, read_at FROM read_files WHERE session_id = ? ORDER BY read_at ASC`
)

// crushSchemaFeatures records which optional columns and tables a
// particular database carries, detected once per connection. Older
// databases import with those fields defaulted instead of failing.
type crushSchemaFeatures struct {
	hasProviderColumn bool
	hasSummaryFlag    bool
	hasTodosColumn    bool
	hasReadFilesTable bool
}

type crushSessionRow struct {
	ID               string
	ParentSessionID  sql.NullString
	Title            string
	MessageCount     int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	UpdatedAt        int64
	CreatedAt        int64
	SummaryMessageID sql.NullString
	Todos            sql.NullString
}

type crushMessageRow struct {
	ID               string
	SessionID        string
	Role             string
	Parts            string
	Model            sql.NullString
	Provider         sql.NullString
	CreatedAt        int64
	UpdatedAt        int64
	FinishedAt       sql.NullInt64
	IsSummaryMessage int64
}

type crushReadFile struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	ReadAt    int64  `json:"read_at"`
}

// crushPart is one entry of a message's JSON parts array.
type crushPart struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CrushAdapter reads Crush's per-project SQLite databases. Databases are
// found by scanning the configured root for .crush/crush.db files; each
// database may carry any of several historical schema versions.
type CrushAdapter struct {
	scanRoot string
}

func NewCrush(scanRoot string) *CrushAdapter {
	if scanRoot == "" {
		scanRoot = homeDir()
	}
	return &CrushAdapter{scanRoot: scanRoot}
}

func (a *CrushAdapter) Source() model.Source {
	return model.SourceCrush
}

func (a *CrushAdapter) ScanRoot() string {
	return a.scanRoot
}

func (a *CrushAdapter) Discover(ctx context.Context) []Descriptor {
	dbPaths := a.FindDatabases(ctx)
	slog.Info("found crush databases", "count", len(dbPaths))

	var (
		mu    sync.Mutex
		found []Descriptor
		wg    sync.WaitGroup
	)
	for _, dbPath := range dbPaths {
		wg.Add(1)
		go func(dbPath string) {
			defer wg.Done()
			descs, err := a.discoverInDB(ctx, dbPath)
			if err != nil {
				slog.Warn("failed to read crush database", "path", dbPath, "error", err)
				return
			}
			mu.Lock()
			found = append(found, descs...)
			mu.Unlock()
		}(dbPath)
	}
	wg.Wait()

	slog.Info("discovered crush sessions", "count", len(found))
	return found
}

// FindDatabases walks the scan root to bounded depth looking for
// .crush/crush.db files, skipping common build and vendor directories.
func (a *CrushAdapter) FindDatabases(ctx context.Context) []string {
	var paths []string

	root := a.scanRoot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() {
			if skipDirs[d.Name()] || depth >= maxScanDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == "crush.db" && filepath.Base(filepath.Dir(path)) == ".crush" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		slog.Warn("crush database scan aborted", "root", root, "error", err)
	}
	return paths
}

func (a *CrushAdapter) discoverInDB(ctx context.Context, dbPath string) ([]Descriptor, error) {
	db, err := openCrushDB(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var hasSessions int64
	if err := db.QueryRowContext(ctx, crushCheckSessionsTable).Scan(&hasSessions); err != nil {
		return nil, fmt.Errorf("probe sessions table: %w", err)
	}
	if hasSessions == 0 {
		slog.Warn("no sessions table in crush database", "path", dbPath)
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, crushListSessions)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var found []Descriptor
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found = append(found, Descriptor{
			Source:     model.SourceCrush,
			Path:       dbPath,
			ExternalID: id,
		})
	}
	return found, rows.Err()
}

func (a *CrushAdapter) Parse(ctx context.Context, desc Descriptor) (model.Session, []model.Event, error) {
	db, err := openCrushDB(desc.Path)
	if err != nil {
		return model.Session{}, nil, err
	}
	defer db.Close()

	features, err := detectCrushSchema(ctx, db)
	if err != nil {
		return model.Session{}, nil, fmt.Errorf("detect schema: %w", err)
	}

	row, err := getCrushSession(ctx, db, desc.ExternalID, features)
	if err != nil {
		return model.Session{}, nil, fmt.Errorf("load session row: %w", err)
	}

	messages, err := getCrushMessages(ctx, db, desc.ExternalID, features)
	if err != nil {
		return model.Session{}, nil, fmt.Errorf("load messages: %w", err)
	}

	readFiles := getCrushReadFiles(ctx, db, desc.ExternalID, features)

	// Project is the directory holding the .crush folder.
	project := filepath.Base(filepath.Dir(filepath.Dir(desc.Path)))

	rawPayload, _ := json.Marshal(map[string]any{
		"source":            "crush",
		"db_path":           desc.Path,
		"session_id":        row.ID,
		"parent_session_id": nullableString(row.ParentSessionID),
		"message_count":     row.MessageCount,
		"prompt_tokens":     row.PromptTokens,
		"completion_tokens": row.CompletionTokens,
		"cost":              row.Cost,
		"todos":             nullableString(row.Todos),
		"read_files":        readFiles,
	})

	session := model.Session{
		ID:         model.NewID(),
		Source:     model.SourceCrush,
		ExternalID: row.ID,
		Project:    project,
		Title:      row.Title,
		CreatedAt:  model.FromEpoch(row.CreatedAt),
		UpdatedAt:  model.FromEpoch(row.UpdatedAt),
		RawPayload: rawPayload,
	}

	var events []model.Event
	for _, msg := range messages {
		if ev, ok := crushMessageToEvent(msg); ok {
			events = append(events, ev)
		}
	}

	slog.Debug("parsed crush session", "external_id", session.ExternalID, "events", len(events))
	return session, events, nil
}

func openCrushDB(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat crush database: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open crush database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func detectCrushSchema(ctx context.Context, db *sql.DB) (crushSchemaFeatures, error) {
	var features crushSchemaFeatures

	probe := func(query string) bool {
		var n int64
		if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return false
		}
		return n > 0
	}

	features.hasProviderColumn = probe(crushCheckProviderColumn)
	features.hasSummaryFlag = probe(crushCheckSummaryColumn)
	features.hasTodosColumn = probe(crushCheckTodosColumn)
	features.hasReadFilesTable = probe(crushCheckReadFilesTable)
	return features, nil
}

func getCrushSession(ctx context.Context, db *sql.DB, sessionID string, features crushSchemaFeatures) (crushSessionRow, error) {
	query := crushGetSessionWithoutTodos
	if features.hasTodosColumn {
		query = crushGetSessionWithTodos
	}

	var row crushSessionRow
	err := db.QueryRowContext(ctx, query, sessionID).Scan(
		&row.ID,
		&row.ParentSessionID,
		&row.Title,
		&row.MessageCount,
		&row.PromptTokens,
		&row.CompletionTokens,
		&row.Cost,
		&row.UpdatedAt,
		&row.CreatedAt,
		&row.SummaryMessageID,
		&row.Todos,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("session %s not found", sessionID)
	}
	return row, err
}

func getCrushMessages(ctx context.Context, db *sql.DB, sessionID string, features crushSchemaFeatures) ([]crushMessageRow, error) {
	var query string
	switch {
	case features.hasProviderColumn && features.hasSummaryFlag:
		query = crushGetMessagesFull
	case features.hasProviderColumn:
		query = crushGetMessagesNoSummaryFlag
	case features.hasSummaryFlag:
		query = crushGetMessagesNoProvider
	default:
		query = crushGetMessagesMinimal
	}

	rows, err := db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []crushMessageRow
	for rows.Next() {
		var msg crushMessageRow
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Role,
			&msg.Parts,
			&msg.Model,
			&msg.Provider,
			&msg.CreatedAt,
			&msg.UpdatedAt,
			&msg.FinishedAt,
			&msg.IsSummaryMessage,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func getCrushReadFiles(ctx context.Context, db *sql.DB, sessionID string, features crushSchemaFeatures) []crushReadFile {
	if !features.hasReadFilesTable {
		return nil
	}
	rows, err := db.QueryContext(ctx, crushGetReadFiles, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var files []crushReadFile
	for rows.Next() {
		var rf crushReadFile
		if err := rows.Scan(&rf.SessionID, &rf.Path, &rf.ReadAt); err != nil {
			return files
		}
		files = append(files, rf)
	}
	return files
}

// crushMessageToEvent normalizes one database row. Synthetic summary
// rows are excluded from the event stream entirely.
func crushMessageToEvent(msg crushMessageRow) (model.Event, bool) {
	if msg.IsSummaryMessage > 0 {
		return model.Event{}, false
	}

	var parts []crushPart
	if err := json.Unmarshal([]byte(msg.Parts), &parts); err != nil {
		parts = nil
	}

	role, _ := model.ParseRole(msg.Role)
	kind, content := crushPartsToContent(parts, msg.Role)

	rawPayload, _ := json.Marshal(map[string]any{
		"id":                 msg.ID,
		"session_id":         msg.SessionID,
		"role":               msg.Role,
		"parts":              msg.Parts,
		"model":              nullableString(msg.Model),
		"provider":           nullableString(msg.Provider),
		"created_at":         msg.CreatedAt,
		"updated_at":         msg.UpdatedAt,
		"finished_at":        nullableInt(msg.FinishedAt),
		"is_summary_message": msg.IsSummaryMessage,
	})

	return model.Event{
		ID:         model.NewID(),
		Kind:       kind,
		Role:       role,
		Content:    content,
		Timestamp:  model.FromEpoch(msg.CreatedAt),
		RawPayload: rawPayload,
	}, true
}

// crushPartsToContent flattens a message's typed parts into readable
// text with bracketed tags for the non-text parts. An assistant message
// containing at least one tool_use part is a tool call.
func crushPartsToContent(parts []crushPart, role string) (model.EventKind, string) {
	var (
		out      []string
		toolUses int
	)

	for _, part := range parts {
		switch part.Type {
		case "text":
			var data struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(part.Data, &data) == nil {
				out = append(out, data.Text)
			}
		case "reasoning":
			var data struct {
				Thinking string `json:"thinking"`
			}
			if json.Unmarshal(part.Data, &data) == nil {
				out = append(out, fmt.Sprintf("[Thinking: %s]", data.Thinking))
			}
		case "tool_use":
			var data struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(part.Data, &data) == nil {
				toolUses++
				out = append(out, fmt.Sprintf("[Tool: %s]", data.Name))
			}
		case "tool_result":
			var data struct {
				Content string `json:"content"`
				IsError bool   `json:"is_error"`
			}
			if json.Unmarshal(part.Data, &data) == nil {
				prefix := "[Result]"
				if data.IsError {
					prefix = "[Error]"
				}
				out = append(out, prefix+" "+data.Content)
			}
		case "image":
			out = append(out, "[Image]")
		case "finish":
			var data struct {
				Reason string `json:"reason"`
			}
			if json.Unmarshal(part.Data, &data) == nil {
				out = append(out, fmt.Sprintf("[Finished: %s]", data.Reason))
			}
		}
	}

	kind := model.KindMessage
	if role == "assistant" && toolUses > 0 {
		kind = model.KindToolCall
	}
	return kind, strings.Join(out, "\n")
}

func (a *CrushAdapter) Health(ctx context.Context) model.SourceHealth {
	paths := a.FindDatabases(ctx)
	if len(paths) == 0 {
		return model.SourceHealth{
			Source:  model.SourceCrush,
			Status:  model.HealthUnknown,
			Path:    a.scanRoot,
			Message: "no crush databases found",
		}
	}
	return model.SourceHealth{
		Source:  model.SourceCrush,
		Status:  model.HealthHealthy,
		Path:    paths[0],
		Message: fmt.Sprintf("Found %d databases", len(paths)),
	}
}

func nullableString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}

func nullableInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}
