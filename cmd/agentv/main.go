// Command agentv ingests AI coding-agent session logs into a local
// SQLite database and answers search and analytics queries over them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/stormlightlabs/agentv/internal/adapter"
	"github.com/stormlightlabs/agentv/internal/config"
	"github.com/stormlightlabs/agentv/internal/ingest"
	"github.com/stormlightlabs/agentv/internal/logging"
	"github.com/stormlightlabs/agentv/internal/model"
	"github.com/stormlightlabs/agentv/internal/store"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "agentv:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		config.WriteHelp(os.Stdout, version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if _, err := logging.Setup(cfg.LogLevel); err != nil {
		return err
	}

	command, rest := args[0], args[1:]

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("database close failed", "error", err)
		}
	}()

	runner := ingest.NewRunner(s, adapter.Options{
		ClaudeDir:     cfg.ClaudeDir,
		CodexDir:      cfg.CodexDir,
		OpenCodeDir:   cfg.OpenCodeDir,
		CrushScanRoot: cfg.CrushScanRoot,
	})

	switch command {
	case "ingest":
		return cmdIngest(ctx, cfg, runner, rest)
	case "list":
		return cmdList(ctx, s, rest)
	case "show":
		return cmdShow(ctx, s, rest)
	case "search":
		return cmdSearch(ctx, s, rest)
	case "stats":
		return cmdStats(ctx, s, rest)
	case "recompute":
		return cmdRecompute(ctx, s, rest)
	case "doctor":
		return cmdDoctor(ctx, s, runner)
	default:
		return fmt.Errorf("unknown command %q (try: agentv help)", command)
	}
}

func cmdIngest(ctx context.Context, cfg *config.Config, runner *ingest.Runner, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	source := fs.String("source", "", "ingest only this source (claude|codex|opencode|crush)")
	watch := fs.Bool("watch", false, "keep running and re-ingest as logs change")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *watch {
		if *source != "" {
			return fmt.Errorf("--watch covers all sources; drop --source")
		}
		w := ingest.NewWatcher(runner, cfg.DebounceWindow, cfg.CrushPollInterval)
		fmt.Println("watching for session changes (ctrl-c to stop)")
		return w.Run(ctx)
	}

	var reports []ingest.Report
	if *source != "" {
		src, err := model.ParseSource(*source)
		if err != nil {
			return err
		}
		report, err := runner.IngestSource(ctx, src)
		if err != nil {
			return err
		}
		reports = append(reports, report)
	} else {
		var err error
		reports, err = runner.IngestAll(ctx)
		if err != nil {
			return err
		}
	}

	for _, r := range reports {
		fmt.Printf("%-10s imported %d, failed %d of %d\n", r.Source, r.Imported, r.Failed, r.Total)
	}
	return nil
}

func cmdList(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	source := fs.String("source", "", "filter by source")
	project := fs.String("project", "", "filter by project")
	since := fs.String("since", "", "only sessions updated in the window (Nd/Nh/Nw/Nm)")
	limit := fs.Int("limit", 50, "maximum rows")
	offset := fs.Int("offset", 0, "rows to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := store.ListFilter{Project: *project, Limit: *limit, Offset: *offset}
	if *source != "" {
		src, err := model.ParseSource(*source)
		if err != nil {
			return err
		}
		filter.Source = src
	}
	bound, err := sinceBound(*since)
	if err != nil {
		return err
	}
	filter.Since = bound

	sessions, err := s.ListSessions(ctx, filter)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, session := range sessions {
		title := session.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-10s %-20s %s  %s\n",
			session.ID, session.Source, clip(session.Project, 20),
			session.UpdatedAt.Format("2006-01-02 15:04"), clip(title, 60))
	}
	return nil
}

func cmdShow(ctx context.Context, s *store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentv show <session-id>")
	}
	id := args[0]

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.GetSessionEvents(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("session %s\n", session.ID)
	fmt.Printf("  source:   %s (%s)\n", session.Source, session.ExternalID)
	if session.Project != "" {
		fmt.Printf("  project:  %s\n", session.Project)
	}
	if session.Title != "" {
		fmt.Printf("  title:    %s\n", session.Title)
	}
	fmt.Printf("  window:   %s .. %s\n",
		session.CreatedAt.Format(time.RFC3339), session.UpdatedAt.Format(time.RFC3339))

	if m, err := s.GetSessionMetrics(ctx, id); err == nil {
		fmt.Printf("  events:   %d (%d messages, %d tool calls, %d errors)\n",
			m.TotalEvents, m.MessageCount, m.ToolCallCount, m.ErrorCount)
		if m.Model != "" {
			fmt.Printf("  model:    %s", m.Model)
			if m.EstimatedCost > 0 {
				fmt.Printf("  ~$%.4f", m.EstimatedCost)
			}
			fmt.Println()
		}
	}
	fmt.Println()

	for _, ev := range events {
		role := string(ev.Role)
		if role == "" {
			role = "-"
		}
		fmt.Printf("[%s] %-11s %-9s %s\n",
			ev.Timestamp.Format("15:04:05"), ev.Kind, role, clip(ev.Content, 120))
	}
	return nil
}

func cmdSearch(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	source := fs.String("source", "", "filter by source")
	project := fs.String("project", "", "filter by project")
	kind := fs.String("kind", "", "filter by event kind")
	since := fs.String("since", "", "only events in the window (Nd/Nh/Nw/Nm)")
	limit := fs.Int("limit", 20, "maximum hits")
	sessions := fs.Bool("sessions", false, "search session titles instead of event content")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentv search [flags] <query>")
	}
	query := fs.Arg(0)

	filter := store.SearchFilter{Project: *project, Limit: *limit}
	if *source != "" {
		src, err := model.ParseSource(*source)
		if err != nil {
			return err
		}
		filter.Source = src
	}
	if *kind != "" {
		k, err := model.ParseEventKind(*kind)
		if err != nil {
			return err
		}
		filter.Kind = k
	}
	bound, err := sinceBound(*since)
	if err != nil {
		return err
	}
	filter.Since = bound

	if *sessions {
		hits, err := s.SearchSessions(ctx, query, filter)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			fmt.Printf("%s  %-10s %s\n", hit.Session.ID, hit.Session.Source, clip(hit.Session.Title, 80))
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
		}
		return nil
	}

	hits, err := s.SearchEvents(ctx, query, filter)
	if err != nil {
		return err
	}
	for _, hit := range hits {
		fmt.Printf("%s  %-11s [%s] %s\n",
			hit.Event.SessionID, hit.Event.Kind,
			hit.Event.Timestamp.Format("2006-01-02 15:04"), clip(hit.Event.Content, 100))
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
	}
	return nil
}

func cmdStats(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	by := fs.String("by", "", "dimension: day|source|project|kind|errors|tools|files|churn|slow")
	since := fs.String("since", "", "window lower bound (Nd/Nh/Nw/Nm)")
	limit := fs.Int("limit", 20, "maximum rows for leaderboards")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var window store.StatsRange
	if *since != "" {
		from, err := model.ParseSince(*since, time.Now())
		if err != nil {
			return err
		}
		window.From = from
	}

	switch *by {
	case "day", "daily":
		rows, err := s.ActivityByDay(ctx, window, "")
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%s  %6d events  %4d sessions\n", r.Day, r.Events, r.Sessions)
		}

	case "source":
		rows, err := s.StatsBySource(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%-10s %5d sessions  %s .. %s\n",
				r.Key, r.Sessions, r.Earliest.Format("2006-01-02"), r.Latest.Format("2006-01-02"))
		}

	case "project":
		rows, err := s.StatsByProject(ctx, "")
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%-30s %5d sessions\n", clip(r.Key, 30), r.Sessions)
		}

	case "kind":
		rows, err := s.StatsByKind(ctx, window)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%-12s %6d events  %4d sessions\n", r.Kind, r.Count, r.Sessions)
		}

	case "errors", "error":
		rows, err := s.TopErrors(ctx, window, *limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%5d  %s\n", r.Count, clip(r.Signature, 100))
		}

	case "tools", "tool", "tool-calls":
		rows, err := s.ToolCallFrequency(ctx, window)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%-20s %5d calls  %4d sessions  avg %6.0fms  max %6dms\n",
				clip(r.ToolName, 20), r.CallCount, r.Sessions, r.AvgDurationMs, r.MaxDurationMs)
		}

	case "files":
		rows, err := s.FilesLeaderboard(ctx, window, *limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%-50s %4d touches  +%d -%d\n",
				clip(r.FilePath, 50), r.TouchCount, r.LinesAdded, r.LinesRemoved)
		}

	case "churn":
		rows, err := s.PatchChurnByDay(ctx, window)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%s  %4d files  +%d -%d\n", r.Day, r.FilesChanged, r.LinesAdded, r.LinesRemoved)
		}

	case "slow", "latency":
		rows, err := s.LongRunningToolCalls(ctx, window, store.DefaultSlowThresholdMs, *limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			line := fmt.Sprintf("%-20s %7dms  %s  %s",
				clip(r.ToolName, 20), r.DurationMs, clip(r.Project, 25), r.SessionExternalID)
			if r.ErrorMessage != "" {
				line += "  error: " + clip(r.ErrorMessage, 60)
			}
			fmt.Println(line)
		}

	case "":
		return statsSummary(ctx, s)

	default:
		return fmt.Errorf("unknown stats dimension %q", *by)
	}
	return nil
}

func statsSummary(ctx context.Context, s *store.Store) error {
	sessions, err := s.SessionCount(ctx)
	if err != nil {
		return err
	}
	events, err := s.EventCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d sessions, %d events\n", sessions, events)

	rows, err := s.StatsBySource(ctx)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("  %-10s %5d sessions\n", r.Key, r.Sessions)
	}
	return nil
}

func cmdRecompute(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("recompute", flag.ContinueOnError)
	pageSize := fs.Int("page-size", 200, "sessions fetched per batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var done, failed int
	for offset := 0; ; offset += *pageSize {
		sessions, err := s.ListSessions(ctx, store.ListFilter{Limit: *pageSize, Offset: offset})
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			break
		}
		for _, session := range sessions {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.ComputeSessionMetrics(ctx, session.ID); err != nil {
				failed++
				slog.Warn("metrics recompute failed", "session", session.ID, "error", err)
				continue
			}
			done++
		}
	}

	fmt.Printf("recomputed metrics for %d sessions (%d failed)\n", done, failed)
	return nil
}

func cmdDoctor(ctx context.Context, s *store.Store, runner *ingest.Runner) error {
	fmt.Printf("database: %s (%s)\n", s.Path(), s.HealthCheck(ctx))
	for _, h := range runner.CheckSourcesHealth(ctx) {
		fmt.Printf("%-10s %-10s %s", h.Source, h.Status, h.Path)
		if h.Message != "" {
			fmt.Printf("  (%s)", h.Message)
		}
		fmt.Println()
	}
	return nil
}

func sinceBound(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	t, err := model.ParseSince(s, time.Now())
	if err != nil {
		return "", err
	}
	return t.UTC().Format(time.RFC3339), nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
