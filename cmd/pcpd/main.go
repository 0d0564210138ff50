// pcpd is a Port Control Protocol (RFC 6887) server. It answers MAP and
// PEER requests over UDP and keeps its mapping table and policy in a
// SQLite backed tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mellowdrifter/pcpd/internal/config"
	"github.com/mellowdrifter/pcpd/internal/kv"
	"github.com/mellowdrifter/pcpd/internal/logging"
	"github.com/mellowdrifter/pcpd/internal/metrics"
	"github.com/mellowdrifter/pcpd/internal/server"
)

var errShutdown = errors.New("shutdown requested")

var rootCmd = &cobra.Command{
	Use:          "pcpd",
	Short:        "Port Control Protocol server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		configPath, _ := cmd.Flags().GetString("config")
		return run(cmd.Context(), cfg, configPath)
	},
}

func init() {
	config.AddFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()

	logger.Info("Starting daemon...")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	backend, err := kv.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer backend.Close()

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRuntime(reg)
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pcpd_store_watch_dropped_total",
		Help: "Store changes not delivered to a slow watcher.",
	}, func() float64 { return float64(backend.Dropped()) }))
	srv := server.New(cfg, logger, backend, server.WithRecorder(m), server.WithObserver(m))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	// Stale mappings cleared during start were never counted by this process.
	m.ResetMappings()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			logger.Infof("Serving metrics on %s", cfg.MetricsAddr)
			return metrics.NewServer(cfg.MetricsAddr, m).Run(gctx)
		})
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(next *config.Config) {
				if next.Policy == nil {
					return
				}
				if err := srv.Policy().Apply(gctx, *next.Policy); err != nil {
					logger.Errorf("Failed to apply reloaded policy: %v", err)
				}
			})
		})
	}

	g.Go(func() error {
		return handleSignals(gctx, srv, cfg, logger)
	})

	err = g.Wait()
	if errors.Is(err, errShutdown) {
		err = nil
	}
	if stopErr := srv.Stop(cfg.ShutdownTimeout); stopErr != nil {
		logger.Errorf("Shutdown error: %v", stopErr)
	} else {
		logger.Info("Daemon shut down cleanly")
	}
	return err
}

// handleSignals dumps status on SIGUSR1 and returns errShutdown on SIGINT
// or SIGTERM so the group winds down.
func handleSignals(ctx context.Context, srv *server.Server, cfg *config.Config, logger *zap.SugaredLogger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				if err := srv.DumpStatus(ctx, cfg.OutputPath); err != nil {
					logger.Errorf("Failed to dump status: %v", err)
				}
				continue
			}
			logger.Infof("Signal received: %s, shutting down gracefully...", sig)
			return errShutdown
		}
	}
}
