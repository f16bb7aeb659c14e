package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DBPath            string        `env:"AGENTV_DB_PATH"`
	LogLevel          string        `env:"AGENTV_LOG_LEVEL,default=info"`
	DebounceWindow    time.Duration `env:"AGENTV_DEBOUNCE_WINDOW,default=2s"`
	CrushPollInterval time.Duration `env:"AGENTV_CRUSH_POLL_INTERVAL,default=30s"`
	ClaudeDir         string        `env:"AGENTV_CLAUDE_DIR"`
	CodexDir          string        `env:"AGENTV_CODEX_DIR"`
	OpenCodeDir       string        `env:"AGENTV_OPENCODE_DIR"`
	CrushScanRoot     string        `env:"AGENTV_CRUSH_SCAN_ROOT"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath()
	}
	return &cfg, nil
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agentv.db"
	}
	return filepath.Join(dir, "agentv", "agentv.db")
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "agentv %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  AGENTV_DB_PATH=~/.config/agentv/agentv.db")
	fmt.Fprintln(w, "  AGENTV_LOG_LEVEL=info")
	fmt.Fprintln(w, "  AGENTV_DEBOUNCE_WINDOW=2s")
	fmt.Fprintln(w, "  AGENTV_CRUSH_POLL_INTERVAL=30s")
	fmt.Fprintln(w, "  AGENTV_CLAUDE_DIR=~/.claude/projects")
	fmt.Fprintln(w, "  AGENTV_CODEX_DIR=~/.codex/sessions")
	fmt.Fprintln(w, "  AGENTV_OPENCODE_DIR=~/.local/share/opencode/storage")
	fmt.Fprintln(w, "  AGENTV_CRUSH_SCAN_ROOT=~")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ingest [--source S] [--watch]  import sessions, optionally continuously")
	fmt.Fprintln(w, "  list [--source S] [--since N]  list stored sessions")
	fmt.Fprintln(w, "  show <session-id>              print a session's events")
	fmt.Fprintln(w, "  search <query>                 full-text search with facets")
	fmt.Fprintln(w, "  stats [--by DIM] [--since N]   analytics and leaderboards")
	fmt.Fprintln(w, "  recompute                      recompute metrics for all sessions")
	fmt.Fprintln(w, "  doctor                         check data-source health")
}
