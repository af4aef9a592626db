package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/geokit-dev/geodig/pkg/logging"
	"github.com/geokit-dev/geodig/pkg/notify"
	"github.com/geokit-dev/geodig/pkg/runner"
)

// Exit codes reported to the shell.
const (
	exitOK        = 0
	exitAborted   = 1
	exitConfig    = 2
	exitInterrupt = 3
)

type rootFlags struct {
	input     string
	outputDir string
	workers   int
	chunkSize int
	qps       float64
	redisAddr string
	noNotify  bool
	logLevel  string
	pretty    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	defaults := runner.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "geodig --input targets.txt [flags]",
		Short: "geodig resolves geolocation and network ownership for a batch of hosts",
		Long: `geodig reads a list of IP addresses or hostnames, resolves each one
against the ip-api.com geolocation service under its request quota, and
writes one CSV row per target. Rate-limit windows reported by the server
are honored across all workers; an optional Redis store shares the
remaining budget between parallel runs on the same host.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if flags.input == "" {
				return fmt.Errorf("--input is required")
			}
			if flags.workers < 1 || flags.workers > 50 {
				return fmt.Errorf("--workers out of range [1..50]")
			}
			if flags.chunkSize < 1 {
				return fmt.Errorf("--chunk-size must be at least 1")
			}
			if flags.qps < 0 {
				return fmt.Errorf("--qps must not be negative")
			}
			switch flags.logLevel {
			case "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("--log-level must be one of debug, info, warn, error")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(flags.logLevel),
				Pretty: flags.pretty,
				Output: os.Stderr,
			})
			return run(cmd.Context(), flags, defaults)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.input, "input", "i", "",
		"target list, .txt (one per line) or .json")
	rootCmd.PersistentFlags().StringVarP(&flags.outputDir, "output-dir", "o", defaults.OutputDir,
		"directory for the result CSV")
	rootCmd.PersistentFlags().IntVarP(&flags.workers, "workers", "w", defaults.Workers,
		"number of concurrent lookup workers")
	rootCmd.PersistentFlags().IntVar(&flags.chunkSize, "chunk-size", defaults.ChunkSize,
		"targets per processing chunk")
	rootCmd.PersistentFlags().Float64Var(&flags.qps, "qps", 0,
		"steady request pacing in requests per second, 0 disables")
	rootCmd.PersistentFlags().StringVar(&flags.redisAddr, "redis", "",
		"redis address for sharing the quota budget across runs")
	rootCmd.PersistentFlags().BoolVar(&flags.noNotify, "no-notify", false,
		"disable Telegram notifications even when credentials are set")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info",
		"log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false,
		"human-readable console logs instead of JSON")

	return rootCmd
}

// run wires flags into the runner and maps its outcome to an exit code
// via exitError.
func run(ctx context.Context, flags *rootFlags, cfg runner.Config) error {
	cfg.InputPath = flags.input
	cfg.OutputDir = flags.outputDir
	cfg.Workers = flags.workers
	cfg.ChunkSize = flags.chunkSize
	cfg.QPS = flags.qps
	cfg.RedisAddr = flags.redisAddr

	r, err := runner.New(cfg)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	if !flags.noNotify {
		if tgCfg := notify.ConfigFromEnv(); tgCfg.Enabled() {
			r.SetNotifier(notify.NewTelegram(tgCfg))
			log.Info().Msg("Telegram notifications enabled")
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := r.Run(runCtx)
	if err != nil {
		var cfgErr *runner.ConfigError
		if errors.As(err, &cfgErr) {
			return &exitError{code: exitConfig, err: err}
		}
		return &exitError{code: exitAborted, err: err}
	}

	if summary.State == runner.StateCancelled {
		log.Warn().
			Uint64("attempted", summary.Attempted).
			Int("total", summary.TotalTargets).
			Msg("Run interrupted, partial results kept")
		return &exitError{code: exitInterrupt, err: fmt.Errorf("interrupted after %d of %d targets", summary.Attempted, summary.TotalTargets)}
	}

	fmt.Printf("Resolved %d of %d targets (%d failed) in %s\nResults: %s\n",
		summary.Succeeded, summary.TotalTargets, summary.Failed,
		summary.Elapsed.Round(time.Second), summary.OutputPath)
	return nil
}

// exitError carries the shell exit code alongside the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an Execute error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var xerr *exitError
	if errors.As(err, &xerr) {
		return xerr.code
	}
	// Cobra flag and validation errors.
	return exitConfig
}
