// Command pulseintel runs the market-data pipeline: venue streaming
// sessions, the cache/stream sink, and the control-plane HTTP/WS surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pulseintel/internal/app"
	"pulseintel/internal/catalog"
	"pulseintel/internal/config"
	"pulseintel/internal/ratelimit"
	"pulseintel/internal/store"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:          "pulseintel",
		Short:        "Market-data ingestion and fan-out pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (optional)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")

	root.AddCommand(serveCmd(), probeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Msg("pipeline stopped")
			return nil
		},
	}
}

// probeCmd checks the external dependencies without starting the pipeline.
func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Probe Redis and the venue catalog, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			failed := false

			sink, err := store.NewSink(cfg.Redis, cfg.TLS)
			if err == nil {
				err = sink.Ping(ctx)
				_ = sink.Close()
			}
			report("redis", cfg.Redis.Addr(), err)
			failed = failed || err != nil

			cat := catalog.NewClient(cfg.Bitget, ratelimit.NewRegistry(float64(cfg.Bitget.MaxRPS), cfg.Bitget.MaxBurst))
			err = cat.Probe(ctx)
			report("catalog", cfg.Bitget.RESTBaseURL, err)
			failed = failed || err != nil

			if cfg.ClickHouse.Configured() {
				analytics, err := store.NewAnalytics(cfg.ClickHouse)
				if err == nil {
					err = analytics.Ping(ctx)
					_ = analytics.Close()
				}
				report("clickhouse", cfg.ClickHouse.Host, err)
				failed = failed || err != nil
			} else {
				fmt.Println("clickhouse   skipped (not configured)")
			}

			if failed {
				return fmt.Errorf("one or more probes failed")
			}
			return nil
		},
	}
}

func report(name, target string, err error) {
	if err != nil {
		fmt.Printf("%-12s FAIL %s: %v\n", name, target, err)
		return
	}
	fmt.Printf("%-12s ok   %s\n", name, target)
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}
