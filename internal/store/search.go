package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stormlightlabs/agentv/internal/model"
)

// SearchFilter narrows full-text search. Zero values mean no filter.
type SearchFilter struct {
	Source  model.Source
	Project string
	Kind    model.EventKind
	Since   string
	Limit   int
	Offset  int
}

// EventHit is one full-text match over event content, with the FTS5 rank
// (more negative means more relevant).
type EventHit struct {
	Event model.Event
	Rank  float64
}

// SessionHit is one full-text match over session titles.
type SessionHit struct {
	Session model.Session
	Rank    float64
}

// SearchEvents runs an FTS5 query over event content, ordered by
// relevance. The query uses FTS5 match syntax as-is.
func (s *Store) SearchEvents(ctx context.Context, query string, filter SearchFilter) ([]EventHit, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.reader.QueryContext(ctx, searchEventsSQL,
		query, string(filter.Source), filter.Project, string(filter.Kind),
		filter.Since, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var hits []EventHit
	for rows.Next() {
		var (
			hit        EventHit
			kind       string
			role       string
			timestamp  string
			rawPayload string
		)
		if err := rows.Scan(
			&hit.Event.ID, &hit.Event.SessionID, &kind, &role,
			&hit.Event.Content, &timestamp, &rawPayload, &hit.Rank,
		); err != nil {
			return nil, err
		}
		hit.Event.Kind = model.EventKind(kind)
		hit.Event.Role = model.Role(role)
		hit.Event.Timestamp = parseTime(timestamp)
		hit.Event.RawPayload = json.RawMessage(rawPayload)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// SearchSessions runs an FTS5 query over session titles.
func (s *Store) SearchSessions(ctx context.Context, query string, filter SearchFilter) ([]SessionHit, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.reader.QueryContext(ctx, searchSessionsSQL,
		query, string(filter.Source), filter.Project, filter.Since, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()

	var hits []SessionHit
	for rows.Next() {
		var (
			hit        SessionHit
			source     string
			createdAt  string
			updatedAt  string
			rawPayload string
		)
		if err := rows.Scan(
			&hit.Session.ID, &source, &hit.Session.ExternalID,
			&hit.Session.Project, &hit.Session.Title,
			&createdAt, &updatedAt, &rawPayload, &hit.Rank,
		); err != nil {
			return nil, err
		}
		hit.Session.Source = model.Source(source)
		hit.Session.CreatedAt = parseTime(createdAt)
		hit.Session.UpdatedAt = parseTime(updatedAt)
		hit.Session.RawPayload = json.RawMessage(rawPayload)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Sources lists the distinct sources present in the database.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, getSourcesSQL)
}

// Projects lists the distinct non-empty project names.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, getProjectsSQL)
}

// EventKinds lists the distinct event kinds present in the database.
func (s *Store) EventKinds(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, getEventKindsSQL)
}

func (s *Store) stringColumn(ctx context.Context, query string) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
