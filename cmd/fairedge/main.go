package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fairedge/fairedge/pkg/callback"
	"github.com/fairedge/fairedge/pkg/config"
	"github.com/fairedge/fairedge/pkg/log"
	"github.com/fairedge/fairedge/pkg/metrics"
	"github.com/fairedge/fairedge/pkg/monitor"
	"github.com/fairedge/fairedge/pkg/runtime"
	"github.com/fairedge/fairedge/pkg/scheduler"
	"github.com/fairedge/fairedge/pkg/server"
	"github.com/fairedge/fairedge/pkg/store"
	"github.com/fairedge/fairedge/pkg/sysinfo"
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
	Use:   "fairedge",
	Short: "fairedge - fair-share job scheduler for an edge compute node",
	Long: `fairedge admits containerized jobs from authenticated clients,
dispatches them under a configurable fairness discipline, and keeps
running containers within the node's CPU and memory budget.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fairedge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "config.yaml", "Path to the configuration file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("bad configuration: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		prober := sysinfo.NewHostProber()
		cores, err := prober.Cores()
		if err != nil {
			return fmt.Errorf("failed to probe host cpus: %w", err)
		}
		totalMem, err := prober.TotalMemMiB()
		if err != nil {
			return fmt.Errorf("failed to probe host memory: %w", err)
		}
		maxJobs := cfg.MaxJobs(cores, totalMem)
		if maxJobs < 1 {
			return fmt.Errorf("host too small: room for %d jobs with the configured units", maxJobs)
		}

		log.Logger.Info().
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Int("max_queue", cfg.MaxQueue).
			Int("max_jobs", maxJobs).
			Int("strategy", cfg.Strategy).
			Msg("fair edge job scheduler starting")

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		st, err := store.NewBoltStore(cfg.DataDir, cfg.MaxQueue)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return fmt.Errorf("failed to connect to container runtime: %w", err)
		}
		defer rt.Close()

		notifier, err := callback.NewTLSNotifier(cfg.CertsDir)
		if err != nil {
			return fmt.Errorf("failed to set up client callbacks: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sched := scheduler.NewScheduler(cfg, st, rt, notifier, prober, maxJobs, cores)
		sched.Start(ctx)

		mon := monitor.NewMonitor(st, rt, notifier, cores)
		mon.Start(ctx)

		srv, err := server.NewServer(cfg, st)
		if err != nil {
			return fmt.Errorf("failed to start request handler: %w", err)
		}
		srv.Start(ctx)

		if cfg.MetricsAddr != "" {
			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
					log.Errorf("metrics listener failed", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down fair edge job scheduler")
		srv.Stop()
		mon.Stop()
		sched.Stop()
		cancel()

		log.Info("shutdown complete")
		return nil
	},
}
