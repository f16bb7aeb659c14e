package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stormlightlabs/agentv/internal/adapter"
	"github.com/stormlightlabs/agentv/internal/model"
)

// drainInterval is how often the watcher checks for sources whose last
// change is older than the debounce window.
const drainInterval = 500 * time.Millisecond

// Watcher keeps the store current while agent tools append to their
// logs. Filesystem notifications cover claude and codex; crush databases
// are polled by mtime because SQLite writes inside .crush dirs scattered
// across the scan root are too noisy to watch directly. OpenCode has no
// stable quiesce point in its storage tree and is batch-only.
type Watcher struct {
	runner    *Runner
	debounce  time.Duration
	crushPoll time.Duration

	mu      sync.Mutex
	pending map[model.Source]time.Time

	crushMtimes map[string]time.Time
}

func NewWatcher(runner *Runner, debounce, crushPoll time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if crushPoll <= 0 {
		crushPoll = 30 * time.Second
	}
	return &Watcher{
		runner:      runner,
		debounce:    debounce,
		crushPoll:   crushPoll,
		pending:     make(map[model.Source]time.Time),
		crushMtimes: make(map[string]time.Time),
	}
}

// Run blocks until ctx is canceled, re-ingesting each source after its
// activity settles for the debounce window. An initial full pass runs
// before watching starts.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.runner.IngestAll(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	claude := adapter.NewClaude(w.runner.opts.ClaudeDir)
	codex := adapter.NewCodex(w.runner.opts.CodexDir)
	roots := map[model.Source]string{
		model.SourceClaude: claude.ProjectsDir(),
		model.SourceCodex:  codex.SessionsDir(),
	}
	for src, root := range roots {
		if err := watchTree(fsw, root); err != nil {
			slog.Warn("source root not watchable", "source", src, "dir", root, "error", err)
		}
	}
	slog.Info("opencode storage is not watchable; batch ingestion covers it")

	crush := adapter.NewCrush(w.runner.opts.CrushScanRoot)
	w.snapshotCrush(ctx, crush, false)

	drain := time.NewTicker(drainInterval)
	defer drain.Stop()
	poll := time.NewTicker(w.crushPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if src, matched := sourceForPath(roots, ev.Name); matched {
				w.mark(src)
			}
			// New session directories appear at any time; watch them too.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(fsw, ev.Name); err != nil {
						slog.Warn("cannot watch new directory", "dir", ev.Name, "error", err)
					}
				}
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filesystem watch error", "error", err)

		case <-poll.C:
			if w.snapshotCrush(ctx, crush, true) {
				w.mark(model.SourceCrush)
			}

		case <-drain.C:
			for _, src := range w.due(time.Now()) {
				if _, err := w.runner.IngestSource(ctx, src); err != nil {
					slog.Warn("watch ingest failed", "source", src, "error", err)
				}
			}
		}
	}
}

// mark records activity on a source, restarting its debounce window.
func (w *Watcher) mark(src model.Source) {
	w.mu.Lock()
	w.pending[src] = time.Now()
	w.mu.Unlock()
}

// due returns sources quiet for at least the debounce window and clears
// them from the pending set.
func (w *Watcher) due(now time.Time) []model.Source {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []model.Source
	for src, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, src)
			delete(w.pending, src)
		}
	}
	return ready
}

// snapshotCrush refreshes the known crush database mtimes and reports
// whether anything changed since the previous snapshot.
func (w *Watcher) snapshotCrush(ctx context.Context, crush *adapter.CrushAdapter, compare bool) bool {
	changed := false
	current := make(map[string]time.Time)

	for _, path := range crush.FindDatabases(ctx) {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		current[path] = info.ModTime()
		if compare {
			prev, known := w.crushMtimes[path]
			if !known || !prev.Equal(info.ModTime()) {
				changed = true
			}
		}
	}
	if compare && len(current) != len(w.crushMtimes) {
		changed = true
	}
	w.crushMtimes = current
	return changed
}

func watchTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
}

func sourceForPath(roots map[model.Source]string, path string) (model.Source, bool) {
	for src, root := range roots {
		if root == "" {
			continue
		}
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return src, true
		}
	}
	return "", false
}
