package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigild/vigil/pkg/alert"
	"github.com/vigild/vigil/pkg/auth"
	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/config"
	"github.com/vigild/vigil/pkg/control"
	"github.com/vigild/vigil/pkg/driver"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/probe"
	"github.com/vigild/vigil/pkg/reconciler"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/scheduler"
	"github.com/vigild/vigil/pkg/server"
	"github.com/vigild/vigil/pkg/state"
	"github.com/vigild/vigil/pkg/stats"
	"github.com/vigild/vigil/pkg/tracing"
	"github.com/vigild/vigil/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil - Fleet health monitor and container control plane",
	Long: `Vigil continuously probes a fleet of services, derives health status
with hysteresis, streams live events to dashboards over WebSocket, and
drives authorized container lifecycle actions.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Running with no subcommand serves.
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor engine and HTTP/WebSocket server",
	RunE:  runServe,
}

var composeCmd = &cobra.Command{
	Use:   "compose ACTION [SERVICES...]",
	Short: "Run a one-shot docker compose action",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCompose,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Vigil version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().String("host", "", "listen host (default 0.0.0.0, or VIGIL_HOST)")
		cmd.Flags().String("port", "", "listen port (default 9090, or VIGIL_PORT)")
		cmd.Flags().String("config", "config/monitor.yaml", "path to the monitor config file")
	}

	composeCmd.Flags().StringP("file", "f", "", "compose file")
	composeCmd.Flags().String("project", "", "compose project name")
	composeCmd.Flags().BoolP("detach", "d", false, "detach (up only)")
	composeCmd.Flags().Int("tail", 0, "tail lines (logs only)")
	composeCmd.Flags().Bool("dry-run", false, "validate without applying")
	composeCmd.Flags().Bool("json", false, "print the result as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(composeCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log.InitFromEnv()
	logger := log.WithComponent("main")

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("configuration invalid")
	}

	env := config.EnvFromOS()
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		env.Host = host
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		env.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "vigil", Version)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing setup failed, continuing without export")
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := state.Open(env.DataDir)
	if err != nil {
		logger.Warn().Err(err).Str("dir", env.DataDir).Msg("state store unavailable, restart counts are memory-only")
		store = nil
	}

	reg := registry.New(cfg.Services)
	seedRestartState(reg, store, cfg.Services)

	bus := broadcast.New()
	rec := reconciler.New(reg, bus, len(cfg.Services), reconciler.Thresholds{
		FailuresToUnhealthy: cfg.Alerts.ConsecutiveFailuresThreshold,
		SuccessesToRecover:  cfg.Alerts.RecoveryThreshold,
		HighLatencyMs:       cfg.Alerts.HighLatencyThresholdMs,
	})
	rec.SetStore(store)

	prober := probe.New(
		time.Duration(cfg.Monitoring.TimeoutSeconds)*time.Second,
		cfg.Monitoring.RetryAttempts,
		cfg.Monitoring.DetailedHealth,
	)
	sched := scheduler.New(prober, rec, cfg.Services,
		time.Duration(cfg.Monitoring.CheckIntervalSeconds)*time.Second,
		cfg.Monitoring.BatchSize,
	)

	drv := driver.NewDockerCLI()
	authz := auth.New(env.APIKey, env.JWTSecret, env.AllowedRoles)
	dispatcher := control.New(authz, drv, reg, rec, bus)
	engine := alert.New(bus, reg, cfg.Alerts.WebhookURL, cfg.Alerts.EnableNotifications)
	srv := server.New(reg, dispatcher, bus, env, Version)

	metrics.StartUptimeTracking(ctx)
	go rec.Run(ctx)
	go engine.Run(ctx)
	sched.Start(ctx)
	if cfg.Monitoring.EnableDockerStats {
		collector := stats.New(drv, reg, bus, cfg.Services,
			time.Duration(cfg.Monitoring.StatsIntervalSeconds)*time.Second)
		go collector.Run(ctx)
	}

	logger.Info().
		Str("version", Version).
		Int("services", len(cfg.Services)).
		Msg("vigil starting")

	serveErr := srv.Run(ctx)

	// Server has drained; flush spans and release the store.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("trace flush failed")
	}
	sched.Stop()
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing state store failed")
	}

	logger.Info().Msg("vigil stopped")
	return serveErr
}

// seedRestartState restores persisted restart bookkeeping into the
// registry before the engine starts.
func seedRestartState(reg *registry.Registry, store *state.Store, services []types.Service) {
	w := reg.Writer()
	for _, svc := range services {
		persisted, err := store.Load(svc.ID)
		if err != nil {
			log.WithServiceID(svc.ID).Warn().Err(err).Msg("loading persisted state failed")
			continue
		}
		if persisted.RestartCount == 0 {
			continue
		}
		w.Apply(svc.ID, func(_ types.Service, st *types.ServiceStatus, _ *registry.Ring) {
			st.RestartCount = persisted.RestartCount
			st.LastRestartAt = persisted.LastRestartAt
		})
	}
}

func runCompose(cmd *cobra.Command, args []string) error {
	log.InitFromEnv()

	file, _ := cmd.Flags().GetString("file")
	project, _ := cmd.Flags().GetString("project")
	detach, _ := cmd.Flags().GetBool("detach")
	tailLines, _ := cmd.Flags().GetInt("tail")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	asJSON, _ := cmd.Flags().GetBool("json")

	spec := types.ComposeSpec{
		Action:   args[0],
		Services: args[1:],
		File:     file,
		Project:  project,
		Detach:   detach,
		Tail:     tailLines,
		DryRun:   dryRun,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := driver.NewDockerCLI().Compose(ctx, spec)
	if err != nil {
		return err
	}

	if asJSON {
		out := map[string]any{
			"action":   spec.Action,
			"services": spec.Services,
			"success":  res.ExitCode == 0,
			"exitCode": res.ExitCode,
			"stdout":   res.Stdout,
			"stderr":   res.Stderr,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
	} else {
		if res.Stdout != "" {
			fmt.Print(res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Stderr)
		}
	}

	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}
