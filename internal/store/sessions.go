package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stormlightlabs/agentv/internal/model"
)

// ListFilter narrows ListSessions. Zero values mean no filter.
type ListFilter struct {
	Source  model.Source
	Project string
	Since   string // already formatted, or empty
	Limit   int
	Offset  int
}

// InsertSessionWithEvents upserts the session on its (source,
// external_id) natural key and replaces its event rows, all in one
// transaction. On conflict the stored id and created_at survive; title,
// updated_at, and raw_payload take the incoming values. Replacing the
// events makes re-ingesting an unchanged file fully idempotent.
//
// The returned id is the persisted session id, which differs from
// session.ID when the session already existed.
func (s *Store) InsertSessionWithEvents(ctx context.Context, session model.Session, events []model.Event) (string, error) {
	tx, err := s.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		persistedID string
		createdAt   string
	)
	err = tx.QueryRowContext(ctx, upsertSessionSQL,
		session.ID,
		string(session.Source),
		session.ExternalID,
		session.Project,
		session.Title,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
		string(session.RawPayload),
	).Scan(&persistedID, &createdAt)
	if err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteSessionEventsSQL, persistedID); err != nil {
		return "", fmt.Errorf("clear previous events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return "", fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(
			ctx,
			ev.ID,
			persistedID,
			string(ev.Kind),
			string(ev.Role),
			ev.Content,
			formatTime(ev.Timestamp),
			string(ev.RawPayload),
		); err != nil {
			return "", fmt.Errorf("insert event row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	slog.Debug("stored session", "id", persistedID, "external_id", session.ExternalID, "events", len(events))
	return persistedID, nil
}

// ListSessions returns stored sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, filter ListFilter) ([]model.Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.reader.QueryContext(ctx, listSessionsSQL,
		string(filter.Source), filter.Project, filter.Since, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// GetSession fetches one session by its persisted id.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.reader.QueryRowContext(ctx, getSessionSQL, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return session, err
}

// GetSessionEvents returns a session's events ordered by timestamp.
func (s *Store) GetSessionEvents(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := s.reader.QueryContext(ctx, getSessionEventsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			ev         model.Event
			kind       string
			role       string
			timestamp  string
			rawPayload string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &role, &ev.Content, &timestamp, &rawPayload); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		ev.Role = model.Role(role)
		ev.Timestamp = parseTime(timestamp)
		ev.RawPayload = json.RawMessage(rawPayload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) SessionCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		session    model.Session
		source     string
		createdAt  string
		updatedAt  string
		rawPayload string
	)
	if err := row.Scan(
		&session.ID,
		&source,
		&session.ExternalID,
		&session.Project,
		&session.Title,
		&createdAt,
		&updatedAt,
		&rawPayload,
	); err != nil {
		return model.Session{}, err
	}
	session.Source = model.Source(source)
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updatedAt)
	session.RawPayload = json.RawMessage(rawPayload)
	return session, nil
}
