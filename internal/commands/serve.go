package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"stepflow/internal/config"
	"stepflow/internal/eventbus"
	"stepflow/internal/httpserver"
	"stepflow/internal/logging"
	mcpserver "stepflow/internal/mcp"
	"stepflow/internal/metrics"
	"stepflow/internal/notify"
	"stepflow/internal/orchestrator"
	"stepflow/internal/store"
	"stepflow/internal/ui"
	"stepflow/internal/workflow"
)

// ServeOptions are the flag overrides for `stepflow serve`.
type ServeOptions struct {
	ConfigPath string
	Bind       string
	Driver     string
}

// RunServe is the single entry point for `stepflow serve`.
//
// Always starts (single port, :3456 by default):
//   - HTTP REST API, /ws event gateway and /metrics
//   - streamable HTTP MCP handler mounted at /mcp
//   - the NATS relay when nats.enabled is set
//   - review notifications when notify.webhooks or notify.hook is set
//   - stdio MCP when stdin is a pipe (e.g. spawned by an agent runtime)
func RunServe(ctx context.Context, opts ServeOptions) error {
	// When stdio MCP is active, stdout belongs to the JSON-RPC stream.
	stdioMCP := isStdinPipe()
	if stdioMCP {
		ui.Out = os.Stderr
	}

	// ── Config & logging ──────────────────────────────────────────────────────
	v, err := config.New(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Bind != "" {
		v.Set("http.bind", opts.Bind)
	}
	if opts.Driver != "" {
		v.Set("database.driver", opts.Driver)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	if len(cfg.HTTP.Tokens) == 0 {
		token, err := generateToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		cfg.HTTP.Tokens = []string{token}
		path, saveErr := config.SaveTokens(v, cfg.HTTP.Tokens)
		ui.ShowSuccess("Generated token: %s", token)
		if saveErr != nil {
			ui.ShowWarning("could not save generated token: %v", saveErr)
		} else {
			ui.ShowInfo("saved to %s (use it as the Bearer token for API and websocket clients)", path)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// ── Storage, metrics, bus, orchestrator ───────────────────────────────────
	if err := ensureDataDir(cfg.Database); err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	bus := eventbus.New(
		eventbus.WithBuffer(cfg.Events.Buffer),
		eventbus.WithMetrics(m),
		eventbus.WithLogger(logger),
	)

	catalog := workflow.NewCatalog(cfg.Templates.Dir)
	if err := catalog.EnsureBuiltins(); err != nil {
		logger.Warn("Could not install built-in templates", "dir", cfg.Templates.Dir, "error", err)
	}

	facade := orchestrator.New(st, bus,
		orchestrator.WithTemplates(catalog),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
	)

	httpServer := httpserver.NewHTTPServer(facade, cfg.HTTP.Tokens, Version,
		httpserver.WithMetrics(m, reg),
		httpserver.WithLogger(logger),
	)
	httpServer.Handle("/mcp", mcpserver.NewHTTPHandler(facade, Version))

	g, gctx := errgroup.WithContext(ctx)

	// ── NATS relay (goroutine) ────────────────────────────────────────────────
	if cfg.NATS.Enabled {
		nc, closeNATS, err := connectNATS(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		relay := eventbus.NewRelay(bus, nc, cfg.NATS.SubjectPrefix, logger)
		g.Go(func() error { return relay.Run(gctx) })
	}

	// ── Review notifications (goroutine) ──────────────────────────────────────
	if notifiers := buildNotifiers(cfg.Notify); len(notifiers) > 0 {
		watcher := notify.NewWatcher(bus, notifiers, m, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	// ── HTTP server (goroutine) ───────────────────────────────────────────────
	ui.ShowSuccess("HTTP + MCP server listening on %s (store: %s)", cfg.HTTP.Bind, cfg.Database.Driver)
	g.Go(func() error {
		return httpServer.Run(gctx, cfg.HTTP.Bind)
	})

	// ── stdio MCP (goroutine) ─────────────────────────────────────────────────
	if stdioMCP {
		g.Go(func() error {
			err := mcpserver.RunStdio(gctx, facade, Version)
			// The spawning client went away; take the whole server down with it.
			stop()
			if err != nil && gctx.Err() == nil && !strings.Contains(err.Error(), "EOF") {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	ui.ShowInfo("Shut down")
	return err
}

// buildNotifiers returns one notifier per configured webhook plus the hook script.
func buildNotifiers(cfg config.NotifyConfig) []notify.Notifier {
	var ns []notify.Notifier
	for _, wh := range cfg.Webhooks {
		ns = append(ns, notify.NewWebhookNotifier(wh.URL, wh.Format, wh.Extra))
	}
	if cfg.Hook != "" {
		ns = append(ns, notify.NewHookRunner(cfg.Hook))
	}
	return ns
}

// isStdinPipe returns true when stdin is a pipe or file (not a terminal),
// i.e. stepflow was spawned by another process feeding it data.
func isStdinPipe() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) == 0
}

// ensureDataDir creates the parent directory of a sqlite database file.
func ensureDataDir(db config.DatabaseConfig) error {
	if db.Driver != "sqlite" && db.Driver != "sqlite3" {
		return nil
	}
	if db.DSN == "" || strings.HasPrefix(db.DSN, ":memory:") || strings.HasPrefix(db.DSN, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(db.DSN), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// generateToken returns a random 32-character hex token.
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
