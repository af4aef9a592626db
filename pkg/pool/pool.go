// Package pool runs lookups across a fixed set of concurrent worker
// slots. Each slot consults the rate limiter before issuing a request,
// retries transient failures against a bounded per-target budget, and
// pushes every terminal outcome to the result sink exactly once.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/geokit-dev/geodig/pkg/lookup"
	"github.com/geokit-dev/geodig/pkg/ratelimit"
	"github.com/geokit-dev/geodig/pkg/sink"
)

// Prometheus metrics for pool operations.
var (
	poolRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geodig_retries_total",
		Help: "Total retry attempts by reason",
	}, []string{"reason"})

	poolRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geodig_retry_exhausted_total",
		Help: "Total targets downgraded to a recorded failure after the retry ceiling",
	})
)

// Looker issues one lookup for one target.
type Looker interface {
	Lookup(ctx context.Context, target string) lookup.Outcome
}

// Admitter gates one request slot against the shared quota.
type Admitter interface {
	TryAcquire(ctx context.Context) (ratelimit.Admission, error)
}

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent execution slots.
	Workers int

	// MaxRetries is the transient-failure ceiling per target. Quota
	// rejections never count against it.
	MaxRetries int

	// RetryBackoff is the base wait between transient retries, doubled
	// per attempt.
	RetryBackoff time.Duration

	// QPS optionally paces requests below the window quota to smooth
	// bursts. Zero disables pacing.
	QPS float64
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      3,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Stats aggregates terminal outcomes and retries across the run. All
// fields are updated atomically by worker slots.
type Stats struct {
	Attempted          atomic.Uint64
	Succeeded          atomic.Uint64
	Failed             atomic.Uint64
	RateLimitedRetries atomic.Uint64
	TransientRetries   atomic.Uint64
}

// Pool is a bounded set of concurrent lookup executors.
type Pool struct {
	looker   Looker
	admitter Admitter
	sink     sink.Sink
	config   Config
	pacer    *rate.Limiter
	logger   zerolog.Logger
	stats    Stats

	sinkErrOnce sync.Once
	sinkErr     error
}

// New creates a worker pool. The configuration must name a positive
// worker count; callers validate it before the run starts.
func New(looker Looker, admitter Admitter, s sink.Sink, cfg Config) (*Pool, error) {
	if looker == nil || admitter == nil || s == nil {
		return nil, fmt.Errorf("looker, admitter and sink are required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}

	var pacer *rate.Limiter
	if cfg.QPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.QPS), 1)
	}

	return &Pool{
		looker:   looker,
		admitter: admitter,
		sink:     s,
		config:   cfg,
		pacer:    pacer,
		logger:   log.With().Str("component", "worker-pool").Logger(),
	}, nil
}

// Stats returns the pool's run counters.
func (p *Pool) Stats() *Stats {
	return &p.stats
}

// item is one in-flight target with its consumed transient-retry budget.
type item struct {
	target  string
	retries int
}

// Process runs all targets to a terminal outcome, bounded by the worker
// count. Returns a sink error if recording failed (fatal to the run),
// or the context error when cancelled mid-run; per-target failures are
// recorded as data and never surface here.
func (p *Pool) Process(ctx context.Context, targets []string) error {
	if len(targets) == 0 {
		return nil
	}

	// Each target occupies at most one queue slot at a time, so the
	// buffer bounds in-flight memory by the batch handed in.
	queue := make(chan item, len(targets))
	for _, t := range targets {
		queue <- item{target: t}
	}

	// The queue closes once every target has reached a terminal record;
	// retried targets go back through the same channel.
	var pending atomic.Int64
	pending.Store(int64(len(targets)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.work(runCtx, slot, queue, &pending, cancel)
		}(i)
	}
	wg.Wait()

	if p.sinkErr != nil {
		return p.sinkErr
	}
	return ctx.Err()
}

// work is one execution slot: it pulls targets until the queue closes
// or the run is cancelled.
func (p *Pool) work(ctx context.Context, slot int, queue chan item, pending *atomic.Int64, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Int("slot", slot).Msg("Worker stopping (context cancelled)")
			return
		case it, ok := <-queue:
			if !ok {
				return
			}
			p.runTarget(ctx, it, queue, pending, cancel)
		}
	}
}

// runTarget drives one target to a terminal outcome or hands it back to
// the queue. Waits suspend only this slot; the limiter lock is never
// held across them.
func (p *Pool) runTarget(ctx context.Context, it item, queue chan item, pending *atomic.Int64, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.pacer != nil {
			if err := p.pacer.Wait(ctx); err != nil {
				return
			}
		}

		adm, err := p.admitter.TryAcquire(ctx)
		if err != nil {
			// Budget store trouble is not the target's fault; hold the
			// slot briefly and ask again.
			p.logger.Warn().Err(err).Msg("Quota check failed, retrying admission")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if !adm.Admitted {
			if !sleepCtx(ctx, adm.Wait) {
				return
			}
			continue
		}

		outcome := p.looker.Lookup(ctx, it.target)

		switch outcome.Status {
		case lookup.StatusRateLimited:
			// Rescheduled unconditionally; quota rejections never consume
			// the target's retry budget.
			p.stats.RateLimitedRetries.Add(1)
			poolRetriesTotal.WithLabelValues("rate_limited").Inc()
			if outcome.RetryAfter > 0 {
				if !sleepCtx(ctx, outcome.RetryAfter) {
					return
				}
			}
			continue

		case lookup.StatusTransient:
			it.retries++
			if it.retries <= p.config.MaxRetries {
				p.stats.TransientRetries.Add(1)
				poolRetriesTotal.WithLabelValues("transient").Inc()
				backoff := p.config.RetryBackoff << (it.retries - 1)
				p.logger.Warn().
					Str("target", it.target).
					Int("attempt", it.retries).
					Dur("backoff", backoff).
					Err(outcome.Err).
					Msg("Transient lookup failure, retrying")
				if !sleepCtx(ctx, backoff) {
					return
				}
				continue
			}

			// Retry ceiling exhausted: downgrade to a recorded failure so
			// the run can complete.
			poolRetryExhaustedTotal.Inc()
			p.logger.Error().
				Str("target", it.target).
				Int("attempts", it.retries).
				Err(outcome.Err).
				Msg("Retry ceiling exhausted, recording failure")
			outcome.Status = lookup.StatusPermanent
			outcome.Err = fmt.Errorf("retry ceiling (%d) exhausted: %w", p.config.MaxRetries, outcome.Err)
		}

		p.record(outcome, pending, queue, cancel)
		return
	}
}

// record pushes a terminal outcome to the sink exactly once and closes
// the queue when the last target lands.
func (p *Pool) record(outcome lookup.Outcome, pending *atomic.Int64, queue chan item, cancel context.CancelFunc) {
	if err := p.sink.Record(outcome); err != nil {
		// Output can no longer be trusted; abort the whole run.
		p.sinkErrOnce.Do(func() {
			p.sinkErr = err
			cancel()
		})
		return
	}

	p.stats.Attempted.Add(1)
	switch outcome.Status {
	case lookup.StatusSuccess:
		p.stats.Succeeded.Add(1)
	default:
		p.stats.Failed.Add(1)
	}

	if done := p.stats.Attempted.Load(); done%50 == 0 {
		p.logger.Info().Uint64("completed", done).Msg("Lookup progress")
	}

	if pending.Add(-1) == 0 {
		close(queue)
	}
}

// sleepCtx pauses for d unless the context ends first. Reports whether
// the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
