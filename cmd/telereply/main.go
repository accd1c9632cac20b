// Command telereply is the multi-account auto-reply engine daemon.
//
// Usage:
//
//	telereply -config telereply.yaml            # full engine + HTTP API
//	telereply -listen :8087 -log-level debug    # defaults, no config file
//	telereply -config telereply.yaml -mcp       # additionally serve MCP on stdio
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telereply/account"
	"github.com/hazyhaar/telereply/api"
	"github.com/hazyhaar/telereply/config"
	"github.com/hazyhaar/telereply/logstore"
	"github.com/hazyhaar/telereply/rule"
	"github.com/hazyhaar/telereply/schedule"
	"github.com/hazyhaar/telereply/session"
	"github.com/hazyhaar/telereply/sink"
)

func main() {
	configPath := flag.String("config", "", "path to telereply.yaml config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools on stdio")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *listen, *mcpStdio); err != nil {
		logger.Error("telereply: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listen string, mcpStdio bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if v := os.Getenv("TELEREPLY_PASSWORD_HASH"); v != "" {
		cfg.HTTP.PasswordHash = v
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	// Log store first: it doubles as an event sink for everything else.
	logPath := cfg.Logs.Path
	if logPath == "" {
		logPath = filepath.Join(cfg.DataDir, "logs.db")
	}
	logs, err := logstore.Open(logPath)
	if err != nil {
		return err
	}
	defer logs.Close()

	events := sink.NewRouter(logger,
		sink.NewStdout(os.Stdout),
		logstore.NewEventSink(logs),
	)
	defer events.Close()

	// Warnings and errors from any component land in the log DB too. The
	// router keeps the plain logger so sink failures cannot loop back.
	logger = slog.New(sink.NewSlogHandler(logger.Handler(), events, slog.LevelWarn))

	accounts, err := account.Open(filepath.Join(cfg.DataDir, "accounts.json"), logger)
	if err != nil {
		return err
	}
	rules, err := rule.OpenStore(filepath.Join(cfg.DataDir, "rules"), logger, rule.WithEvents(events))
	if err != nil {
		return err
	}

	manager := session.NewManager(session.Config{
		ClientURL:         cfg.Browser.ClientURL,
		Headless:          cfg.Browser.Headless,
		Proxy:             cfg.Browser.Proxy,
		NavTimeout:        cfg.Browser.NavTimeout,
		PollInterval:      cfg.Detection.PollInterval,
		MaxReloadAttempts: cfg.Detection.MaxReloadAttempts,
		DedupeTTL:         cfg.Detection.DedupeTTL,
		DataDir:           cfg.DataDir,
		Logger:            logger,
	}, rules, accounts, events)
	sched := schedule.New(manager.Dispatch, logger)
	manager.SetScheduler(sched)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sched.ClearAll()
		manager.StopAll(shutdownCtx)
	}()

	go dailyReset(ctx, rules)
	if cfg.Logs.RetentionDays > 0 {
		go retentionLoop(ctx, logger, logs, time.Duration(cfg.Logs.RetentionDays)*24*time.Hour)
	}

	server := api.New(logger, manager, sched, accounts, rules, logs, cfg.HTTP.PasswordHash)

	if mcpStdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "telereply",
			Version: "1.0.0",
		}, nil)
		server.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("telereply: mcp stdio", "error", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("telereply: http listening", "addr", cfg.HTTP.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("telereply: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// dailyReset zeroes per-day rule counters at each local midnight. The
// store also resets lazily on read; this keeps persisted stats honest for
// anyone inspecting the JSON documents directly.
func dailyReset(ctx context.Context, rules *rule.Store) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			rules.ResetDailyStats()
		}
	}
}

func retentionLoop(ctx context.Context, logger *slog.Logger, logs *logstore.Store, retention time.Duration) {
	t := time.NewTicker(6 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := logs.Cleanup(ctx, retention)
			if err != nil {
				logger.Warn("telereply: log retention", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("telereply: log retention pruned", "rows", n)
			}
		}
	}
}
