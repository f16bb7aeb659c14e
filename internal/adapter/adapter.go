// Package adapter converts each agent tool's native on-disk log format
// into canonical sessions and events. Discovery enumerates candidate
// sessions without reading their bodies; parsing normalizes one session
// at a time so a single malformed file never aborts a batch.
package adapter

import (
	"context"
	"time"

	"github.com/stormlightlabs/agentv/internal/model"
)

// Descriptor identifies one discovered candidate session. Path is a
// session file for the journal and storage-tree sources and a database
// file for crush.
type Descriptor struct {
	Source     model.Source
	Path       string
	ExternalID string
	Project    string
	Date       string
}

// Adapter is the per-source discovery and parsing contract.
//
// Discover never fails hard: I/O errors are logged and degrade to an
// empty result so one broken source does not block the others. Parse
// returns a session whose events still carry an empty SessionID; the
// store resolves it against the persisted row.
type Adapter interface {
	Source() model.Source
	Discover(ctx context.Context) []Descriptor
	Parse(ctx context.Context, desc Descriptor) (model.Session, []model.Event, error)
	Health(ctx context.Context) model.SourceHealth
}

// Options carries per-source path overrides. Empty fields fall back to
// each tool's conventional location under the home directory.
type Options struct {
	ClaudeDir     string
	CodexDir      string
	OpenCodeDir   string
	CrushScanRoot string
}

// All returns one adapter per known source, in ingestion order.
func All(opts Options) []Adapter {
	return []Adapter{
		NewClaude(opts.ClaudeDir),
		NewCodex(opts.CodexDir),
		NewOpenCode(opts.OpenCodeDir),
		NewCrush(opts.CrushScanRoot),
	}
}

// ForSource returns the adapter for one source.
func ForSource(src model.Source, opts Options) Adapter {
	switch src {
	case model.SourceClaude:
		return NewClaude(opts.ClaudeDir)
	case model.SourceCodex:
		return NewCodex(opts.CodexDir)
	case model.SourceOpenCode:
		return NewOpenCode(opts.OpenCodeDir)
	case model.SourceCrush:
		return NewCrush(opts.CrushScanRoot)
	default:
		return nil
	}
}

func orNow(ts time.Time, ok bool) time.Time {
	if !ok {
		return time.Now().UTC()
	}
	return ts
}
