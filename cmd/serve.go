package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/nextlevelbuilder/chronod/internal/cache"
	"github.com/nextlevelbuilder/chronod/internal/config"
	chttp "github.com/nextlevelbuilder/chronod/internal/http"
	"github.com/nextlevelbuilder/chronod/internal/mcp"
	"github.com/nextlevelbuilder/chronod/internal/notify"
	"github.com/nextlevelbuilder/chronod/internal/scheduler"
	"github.com/nextlevelbuilder/chronod/internal/store/pg"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config and $PORT)")
	return cmd
}

// logLevel is shared with the config watcher so log.level changes apply
// without a restart.
var logLevel = new(slog.LevelVar)

func runServe(portFlag int) {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadResolved(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	setupLogging(cfg)

	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: no database configured.")
		fmt.Fprintln(os.Stderr, "Set DB_CONNECTION_STRING or database.url in "+config.FileName+" (run: chronod init)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := pg.Open(ctx, cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to database: %s\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: migrate database: %s\n", err)
		os.Exit(1)
	}

	c := cache.New(cfg.Cache.Capacity)

	// With Redis configured, invalidations fan out to every replica.
	// Without it the local cache is invalidated directly.
	var inv chttp.Invalidator = c
	if cfg.Cache.RedisURL != "" {
		bc, err := cache.NewBroadcast(ctx, cfg.Cache.RedisURL, c)
		if err != nil {
			slog.Warn("cache broadcast disabled, falling back to local invalidation", "error", err)
		} else {
			bc.Start()
			defer bc.Stop()
			inv = bc
		}
	}

	executor := buildExecutor(cfg.Executor)
	executor, traceStop := initTracing(ctx, cfg, executor)
	if traceStop != nil {
		defer traceStop()
	}

	sched := scheduler.New(st, executor, scheduler.Options{
		SyncInterval:         time.Duration(cfg.Scheduler.SyncIntervalSeconds) * time.Second,
		ExecutionConcurrency: cfg.Scheduler.ExecutionConcurrency,
	})

	alerts := &alertReloader{sched: sched}
	alerts.apply(cfg.Alerts)
	defer alerts.stop()

	if err := sched.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start scheduler: %s\n", err)
		os.Exit(1)
	}
	defer sched.Stop()

	mcpSrv := mcp.New(st, sched, inv, version)

	srv := chttp.New(st, sched, chttp.Options{
		Cache:          c,
		Invalidator:    inv,
		MCP:            mcpSrv.Handler(),
		Token:          cfg.Server.JWTSecret,
		Production:     cfg.Production(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
	})
	defer srv.Close()
	handler := srv.Handler()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	if stopTS := initTailscale(ctx, cfg, handler); stopTS != nil {
		defer stopTS()
	}

	if w := watchConfig(cfgPath, alerts); w != nil {
		defer w.Stop()
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("chronod listening",
			"port", cfg.Server.Port,
			"env", cfg.Server.Env,
			"version", version,
		)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
}

func setupLogging(cfg *config.Config) {
	logLevel.Set(cfg.LogLevel())
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if cfg.LogJSON() {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// buildExecutor maps executor.kind to an engine. "auto" routes by payload
// shape, which is what most deployments want.
func buildExecutor(cfg config.Executor) scheduler.Executor {
	sim := scheduler.NewSimulated()
	sim.FailureRate = cfg.FailureRate

	switch cfg.Kind {
	case "", "simulated":
		return sim
	case "script":
		return scheduler.NewScript()
	case "command":
		return scheduler.NewCommand("")
	case "auto":
		return &scheduler.Dispatch{
			Simulated: sim,
			Script:    scheduler.NewScript(),
			Command:   scheduler.NewCommand(""),
		}
	default:
		slog.Warn("unknown executor.kind, using simulated", "kind", cfg.Kind)
		return sim
	}
}

// alertReloader owns the current failure notifier so the config watcher can
// swap alert rules at runtime. The old notifier drains before it is dropped.
type alertReloader struct {
	mu    sync.Mutex
	sched *scheduler.Scheduler
	cur   *notify.Notifier
}

func (a *alertReloader) apply(cfg config.Alerts) {
	var next *notify.Notifier
	if cfg.Webhook != "" || len(cfg.Rules) > 0 {
		rules := make([]notify.Rule, len(cfg.Rules))
		for i, r := range cfg.Rules {
			rules[i] = notify.Rule{Name: r.Name, When: r.When, Webhook: r.Webhook}
		}
		n, err := notify.New(notify.Config{Webhook: cfg.Webhook, Rules: rules})
		if err != nil {
			slog.Error("alerting disabled: bad alert config", "error", err)
		} else {
			next = n
		}
	}

	a.mu.Lock()
	old := a.cur
	a.cur = next
	a.mu.Unlock()

	if next != nil {
		a.sched.SetNotifier(next)
	} else {
		a.sched.SetNotifier(nil)
	}
	if old != nil {
		old.Stop()
	}
}

func (a *alertReloader) stop() {
	a.mu.Lock()
	cur := a.cur
	a.cur = nil
	a.mu.Unlock()
	if cur != nil {
		cur.Stop()
	}
}

// watchConfig hot-reloads the settings that can change without a restart:
// log level and alert rules. Everything else needs a restart.
func watchConfig(path string, alerts *alertReloader) *config.Watcher {
	if path == "" {
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher disabled", "error", err)
		return nil
	}
	w.OnChange(func(cfg *config.Config) {
		logLevel.Set(cfg.LogLevel())
		alerts.apply(cfg.Alerts)
		slog.Info("config reloaded", "logLevel", cfg.Log.Level)
	})
	if err := w.Start(); err != nil {
		slog.Warn("config watcher disabled", "error", err)
		return nil
	}
	return w
}
