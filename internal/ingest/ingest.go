// Package ingest drives batch ingestion across the source adapters and
// keeps the database current in watch mode.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stormlightlabs/agentv/internal/adapter"
	"github.com/stormlightlabs/agentv/internal/model"
	"github.com/stormlightlabs/agentv/internal/store"
)

// Report summarizes one ingestion pass over a single source.
type Report struct {
	Source   model.Source
	Imported int
	Failed   int
	Total    int
}

// Runner ingests discovered sessions into the store. A parse or persist
// failure on one session is counted and skipped, never fatal to the
// batch.
type Runner struct {
	store *store.Store
	opts  adapter.Options
}

func NewRunner(st *store.Store, opts adapter.Options) *Runner {
	return &Runner{store: st, opts: opts}
}

// IngestSource runs one full discovery and ingestion pass for a source.
func (r *Runner) IngestSource(ctx context.Context, src model.Source) (Report, error) {
	a := adapter.ForSource(src, r.opts)
	if a == nil {
		return Report{}, fmt.Errorf("unknown source: %q", src)
	}
	return r.ingest(ctx, a), nil
}

// IngestAll runs every source in ingestion order.
func (r *Runner) IngestAll(ctx context.Context) ([]Report, error) {
	var reports []Report
	for _, a := range adapter.All(r.opts) {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, r.ingest(ctx, a))
	}
	return reports, nil
}

func (r *Runner) ingest(ctx context.Context, a adapter.Adapter) Report {
	descs := a.Discover(ctx)
	report := Report{Source: a.Source(), Total: len(descs)}

	for _, desc := range descs {
		if ctx.Err() != nil {
			break
		}
		session, events, err := a.Parse(ctx, desc)
		if err != nil {
			report.Failed++
			slog.Warn("parse failed, skipping session",
				"source", desc.Source, "path", desc.Path, "error", err)
			continue
		}
		if _, err := r.store.InsertSessionWithEvents(ctx, session, events); err != nil {
			report.Failed++
			slog.Warn("persist failed, skipping session",
				"source", desc.Source, "external_id", session.ExternalID, "error", err)
			continue
		}
		report.Imported++
	}

	slog.Info("ingest pass complete",
		"source", report.Source,
		"imported", report.Imported,
		"failed", report.Failed,
		"total", report.Total,
	)
	return report
}

// CheckSourcesHealth runs each adapter's health probe. Results are
// ephemeral diagnostics, never persisted.
func (r *Runner) CheckSourcesHealth(ctx context.Context) []model.SourceHealth {
	var out []model.SourceHealth
	for _, a := range adapter.All(r.opts) {
		out = append(out, a.Health(ctx))
	}
	return out
}
