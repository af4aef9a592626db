// Package runner owns the lookup pipeline: it reads the target list,
// partitions it into chunks, drives the worker pool chunk by chunk,
// aggregates the run summary, and hands the result to the notification
// collaborator. Per-target failures never surface here as errors; only
// configuration and sink failures abort a run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geokit-dev/geodig/pkg/chunk"
	"github.com/geokit-dev/geodig/pkg/input"
	"github.com/geokit-dev/geodig/pkg/lookup"
	"github.com/geokit-dev/geodig/pkg/pool"
	"github.com/geokit-dev/geodig/pkg/ratelimit"
	"github.com/geokit-dev/geodig/pkg/sink"
)

// State is the orchestrator lifecycle.
type State string

const (
	// StateIdle means the run has not started.
	StateIdle State = "idle"

	// StateRunning means chunks are being dispatched.
	StateRunning State = "running"

	// StateCompleted means every target reached a terminal record.
	StateCompleted State = "completed"

	// StateCancelled means the run was interrupted; completed work is
	// durable and the summary is partial.
	StateCancelled State = "cancelled"

	// StateAborted means a configuration error or an unrecoverable sink
	// failure ended the run.
	StateAborted State = "aborted"
)

// ConfigError is a fatal configuration problem, detected before any
// work starts.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Config is the single configuration structure built once at startup
// and passed into the run; the engine performs no runtime lookups.
type Config struct {
	// InputPath is the .txt or .json target list.
	InputPath string

	// OutputDir receives the timestamped result file.
	OutputDir string

	// Workers is the concurrent slot count.
	Workers int

	// ChunkSize bounds each processing stage.
	ChunkSize int

	// QPS optionally paces requests; zero disables.
	QPS float64

	// RedisAddr, when set, shares the quota budget across processes.
	RedisAddr string

	// FlushEvery bounds rows between sink flushes.
	FlushEvery int

	// MaxRetries is the transient retry ceiling per target.
	MaxRetries int

	// RetryBackoff is the base wait between transient retries.
	RetryBackoff time.Duration

	// Lookup configures the remote client.
	Lookup lookup.Config

	// Limiter configures the quota window defaults.
	Limiter ratelimit.Config
}

// DefaultConfig returns runner defaults matching the defaults of the
// underlying packages.
func DefaultConfig() Config {
	return Config{
		OutputDir:    "results",
		Workers:      3,
		ChunkSize:    100,
		FlushEvery:   sink.DefaultFlushEvery,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
		Lookup:       lookup.DefaultConfig(),
		Limiter:      ratelimit.DefaultConfig(),
	}
}

// Validate reports the first fatal configuration problem, if any.
func (c Config) Validate() error {
	if c.InputPath == "" {
		return &ConfigError{Field: "input path", Reason: "must not be empty"}
	}
	if c.Workers <= 0 {
		return &ConfigError{Field: "worker count", Reason: fmt.Sprintf("must be positive, got %d", c.Workers)}
	}
	if c.ChunkSize <= 0 {
		return &ConfigError{Field: "chunk size", Reason: fmt.Sprintf("must be positive, got %d", c.ChunkSize)}
	}
	return nil
}

// Summary aggregates the terminal outcomes of one run.
type Summary struct {
	TotalTargets       int
	Attempted          uint64
	Succeeded          uint64
	Failed             uint64
	RateLimitedRetries uint64
	Elapsed            time.Duration
	State              State
	OutputPath         string
}

// Message renders the summary for the notification channel.
func (s Summary) Message() string {
	return fmt.Sprintf(
		"geodig run %s: %d/%d targets resolved, %d failed, %d rate-limit retries in %s (results: %s)",
		s.State, s.Succeeded, s.TotalTargets, s.Failed, s.RateLimitedRetries,
		s.Elapsed.Round(time.Second), filepath.Base(s.OutputPath),
	)
}

// Notifier is the outbound notification collaborator. Delivery failure
// must never fail the run.
type Notifier interface {
	SendMessage(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
}

// Runner drives one batch run.
type Runner struct {
	config   Config
	notifier Notifier
	logger   zerolog.Logger
	state    State
}

// New validates the configuration and returns an idle runner.
func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		config: cfg,
		logger: log.With().Str("component", "runner").Logger(),
		state:  StateIdle,
	}, nil
}

// SetNotifier attaches the notification collaborator. A nil notifier
// disables notifications.
func (r *Runner) SetNotifier(n Notifier) {
	r.notifier = n
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return r.state
}

// Run executes the whole pipeline. It returns a summary in every case:
// complete, partial after cancellation, or alongside the abort error.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{State: StateAborted}

	targets, err := input.Read(r.config.InputPath)
	if err != nil {
		r.state = StateAborted
		return summary, fmt.Errorf("load targets: %w", err)
	}
	if len(targets) == 0 {
		r.state = StateAborted
		return summary, &ConfigError{Field: "input", Reason: "contains no targets"}
	}

	chunks, err := chunk.Split(targets, r.config.ChunkSize)
	if err != nil {
		r.state = StateAborted
		return summary, &ConfigError{Field: "chunk size", Reason: err.Error()}
	}

	csvSink, err := r.openSink()
	if err != nil {
		r.state = StateAborted
		r.notifyError(ctx, err)
		return summary, err
	}
	summary.OutputPath = csvSink.Path()
	summary.TotalTargets = len(targets)

	p, err := r.buildPool(ctx, csvSink)
	if err != nil {
		csvSink.Close()
		r.state = StateAborted
		r.notifyError(ctx, err)
		return summary, err
	}

	r.state = StateRunning
	r.logger.Info().
		Int("targets", len(targets)).
		Int("chunks", len(chunks)).
		Int("workers", r.config.Workers).
		Str("output", csvSink.Path()).
		Msg("Run started")

	runErr := r.processChunks(ctx, p, chunks, len(targets))

	if closeErr := csvSink.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	stats := p.Stats()
	summary.Attempted = stats.Attempted.Load()
	summary.Succeeded = stats.Succeeded.Load()
	summary.Failed = stats.Failed.Load()
	summary.RateLimitedRetries = stats.RateLimitedRetries.Load()
	summary.Elapsed = time.Since(start)

	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		r.state = StateCancelled
		runErr = nil
	case runErr != nil:
		r.state = StateAborted
	default:
		r.state = StateCompleted
	}
	summary.State = r.state

	if runErr != nil {
		r.logger.Error().Err(runErr).Msg("Run aborted")
		r.notifyError(ctx, runErr)
		return summary, runErr
	}

	r.logger.Info().
		Uint64("succeeded", summary.Succeeded).
		Uint64("failed", summary.Failed).
		Uint64("rate_limited_retries", summary.RateLimitedRetries).
		Dur("elapsed", summary.Elapsed).
		Str("state", string(r.state)).
		Msg("Run finished")

	r.notifySummary(summary)
	return summary, nil
}

// openSink creates the results directory and the timestamped CSV file.
func (r *Runner) openSink() (*sink.CSVSink, error) {
	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		return nil, &sink.Error{Op: "create results directory", Err: err}
	}

	now := time.Now()
	name := fmt.Sprintf("results_%s_%s_%s.csv",
		uuid.NewString()[:8], now.Format("20060102"), now.Format("150405"))
	return sink.NewCSV(filepath.Join(r.config.OutputDir, name), r.config.FlushEvery)
}

// buildPool assembles limiter, lookup client and worker pool.
func (r *Runner) buildPool(ctx context.Context, csvSink sink.Sink) (*pool.Pool, error) {
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if r.config.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: r.config.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", r.config.RedisAddr, err)
		}
		store = ratelimit.NewRedisStore(redisClient)
		r.logger.Info().Str("addr", r.config.RedisAddr).Msg("Sharing quota budget via Redis")
	}

	limiter := ratelimit.NewLimiter(store, r.config.Limiter,
		log.With().Str("component", "ratelimit").Logger())

	client, err := lookup.New(limiter, r.config.Lookup)
	if err != nil {
		return nil, err
	}

	return pool.New(client, limiter, csvSink, pool.Config{
		Workers:      r.config.Workers,
		MaxRetries:   r.config.MaxRetries,
		RetryBackoff: r.config.RetryBackoff,
		QPS:          r.config.QPS,
	})
}

// processChunks feeds the pool one chunk at a time, bounding in-flight
// memory by chunk size times worker count regardless of input size.
func (r *Runner) processChunks(ctx context.Context, p *pool.Pool, chunks [][]string, total int) error {
	done := 0
	for i, c := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Info().
			Int("chunk", i+1).
			Int("chunks", len(chunks)).
			Int("from", done+1).
			Int("to", done+len(c)).
			Int("total", total).
			Msg("Processing chunk")

		if err := p.Process(ctx, c); err != nil {
			return err
		}
		done += len(c)

		r.logger.Info().Int("chunk", i+1).Int("completed", done).Msg("Chunk recorded")
	}
	return nil
}

// notifySummary delivers the completion message and the result file.
// Failures are logged and swallowed.
func (r *Runner) notifySummary(summary Summary) {
	if r.notifier == nil {
		return
	}

	// The run may already be cancelled; notification gets its own
	// deadline so a partial summary still goes out.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	msg := summary.Message()
	if err := r.notifier.SendMessage(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Msg("Summary notification failed")
		return
	}
	if err := r.notifier.SendFile(ctx, summary.OutputPath, msg); err != nil {
		r.logger.Warn().Err(err).Msg("Result file notification failed")
	}
}

// notifyError delivers an abort digest. Failures are logged and
// swallowed.
func (r *Runner) notifyError(ctx context.Context, runErr error) {
	if r.notifier == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := r.notifier.SendMessage(sendCtx, fmt.Sprintf("geodig run aborted: %v", runErr)); err != nil {
		r.logger.Warn().Err(err).Msg("Abort notification failed")
	}
}
