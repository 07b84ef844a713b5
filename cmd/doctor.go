package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronod/internal/config"
	"github.com/nextlevelbuilder/chronod/internal/cronx"
	"github.com/nextlevelbuilder/chronod/internal/notify"
	"github.com/nextlevelbuilder/chronod/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and database health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("chronod doctor")
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	if cfgPath == "" {
		fmt.Println("  Config:   (none — running on defaults)")
	} else {
		fmt.Printf("  Config:   %s", cfgPath)
		if _, err := os.Stat(cfgPath); err != nil {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	cfg, err := config.LoadResolved(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Cron engine
	fmt.Println()
	fmt.Println("  Scheduling:")
	if _, err := time.LoadLocation(cronx.Timezone); err != nil {
		fmt.Printf("    %-12s %s NOT LOADABLE: %s\n", "Timezone:", cronx.Timezone, err)
	} else {
		fmt.Printf("    %-12s %s (OK)\n", "Timezone:", cronx.Timezone)
	}
	if err := cronx.ValidateErr("*/5 * * * *"); err != nil {
		fmt.Printf("    %-12s FAILED: %s\n", "Cron:", err)
	} else {
		next := cronx.NextAfter("*/5 * * * *", time.Now())
		fmt.Printf("    %-12s */5 * * * * -> %s (OK)\n", "Cron:", next.Local().Format(time.DateTime))
	}
	fmt.Printf("    %-12s %s\n", "Executor:", executorWord(cfg.Executor.Kind))

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg)

	// Cache
	fmt.Println()
	fmt.Println("  Cache:")
	fmt.Printf("    %-12s %d entries\n", "Capacity:", cfg.Cache.Capacity)
	checkRedis(cfg.Cache.RedisURL)

	// API
	fmt.Println()
	fmt.Println("  API:")
	fmt.Printf("    %-12s %d\n", "Port:", cfg.Server.Port)
	fmt.Printf("    %-12s %s\n", "Env:", cfg.Server.Env)
	if cfg.Server.JWTSecret != "" {
		fmt.Printf("    %-12s %s\n", "Auth:", maskSecret(cfg.Server.JWTSecret))
	} else {
		fmt.Printf("    %-12s disabled\n", "Auth:")
	}

	// Alerts
	fmt.Println()
	fmt.Println("  Alerts:")
	checkAlerts(cfg.Alerts)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(cfg *config.Config) {
	if cfg.Database.URL == "" {
		fmt.Printf("    %-12s (not configured — set DB_CONNECTION_STRING)\n", "URL:")
		return
	}
	fmt.Printf("    %-12s %s\n", "URL:", maskSecret(cfg.Database.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := pg.Open(ctx, cfg.Database.URL)
	if err != nil {
		fmt.Printf("    %-12s FAILED: %s\n", "Connect:", err)
		return
	}
	defer st.Close()

	h, err := st.HealthCheck(ctx)
	if err != nil {
		fmt.Printf("    %-12s FAILED: %s\n", "Ping:", err)
		return
	}
	if !h.Healthy {
		fmt.Printf("    %-12s UNHEALTHY (%dms)\n", "Ping:", h.LatencyMS)
		return
	}
	fmt.Printf("    %-12s healthy (%dms)\n", "Ping:", h.LatencyMS)

	version, dirty, ok, err := st.MigrationVersion()
	switch {
	case err != nil:
		fmt.Printf("    %-12s FAILED: %s\n", "Schema:", err)
	case !ok:
		fmt.Printf("    %-12s no migrations applied (run: chronod migrate up)\n", "Schema:")
	case dirty:
		fmt.Printf("    %-12s version %d (DIRTY)\n", "Schema:", version)
	default:
		fmt.Printf("    %-12s version %d (OK)\n", "Schema:", version)
	}

	stats, err := st.Stats(ctx)
	if err == nil {
		fmt.Printf("    %-12s %d total, %d active\n", "Jobs:", stats.TotalJobs, stats.ActiveJobs)
	}
}

func checkRedis(redisURL string) {
	if redisURL == "" {
		fmt.Printf("    %-12s (not configured — single replica)\n", "Redis:")
		return
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Printf("    %-12s INVALID URL: %s\n", "Redis:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("    %-12s UNREACHABLE: %s\n", "Redis:", err)
		return
	}
	fmt.Printf("    %-12s %s (OK)\n", "Redis:", opts.Addr)
}

func checkAlerts(cfg config.Alerts) {
	if cfg.Webhook == "" && len(cfg.Rules) == 0 {
		fmt.Printf("    %-12s (not configured)\n", "Webhook:")
		return
	}
	if cfg.Webhook != "" {
		fmt.Printf("    %-12s %s\n", "Webhook:", maskSecret(cfg.Webhook))
	}
	if len(cfg.Rules) == 0 {
		return
	}

	rules := make([]notify.Rule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		rules[i] = notify.Rule{Name: r.Name, When: r.When, Webhook: r.Webhook}
	}
	n, err := notify.New(notify.Config{Webhook: cfg.Webhook, Rules: rules})
	if err != nil {
		fmt.Printf("    %-12s %d rules, INVALID: %s\n", "Rules:", len(cfg.Rules), err)
		return
	}
	n.Stop()
	fmt.Printf("    %-12s %d rules compile (OK)\n", "Rules:", len(cfg.Rules))
}

func executorWord(kind string) string {
	if kind == "" {
		return "simulated"
	}
	return kind
}

func maskSecret(s string) string {
	if len(s) > 8 {
		return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
	}
	return "****"
}
