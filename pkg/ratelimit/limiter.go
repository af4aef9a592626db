package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geodig_quota_remaining",
		Help: "Requests remaining in the current lookup service quota window",
	})

	quotaWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geodig_quota_waits_total",
		Help: "Total number of admissions deferred because the quota was exhausted",
	})

	quotaRefillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geodig_quota_refills_total",
		Help: "Total number of local window refills at the reset instant",
	})
)

// Admission is the result of asking the limiter for one request slot.
// When Admitted is false, Wait is how long the caller must pause before
// asking again.
type Admission struct {
	Admitted bool
	Wait     time.Duration
}

// Config holds limiter configuration.
type Config struct {
	// WindowLimit is the full quota assumed after a window reset, before
	// the server has advertised a fresh value.
	WindowLimit int

	// Window is the assumed window length for local refills.
	Window time.Duration
}

// DefaultConfig returns the limiter defaults for the free lookup tier.
func DefaultConfig() Config {
	return Config{
		WindowLimit: DefaultWindowLimit,
		Window:      DefaultWindow,
	}
}

// Limiter gates lookup requests against the shared Budget. All workers
// consult one Limiter instance; the read-then-decrement and the header
// update are the only critical sections, never held across network I/O.
type Limiter struct {
	mu     sync.Mutex // serializes read-modify-write against the store
	store  Store
	config Config
	logger zerolog.Logger
}

// NewLimiter creates a limiter over the given budget store.
func NewLimiter(store Store, cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = DefaultWindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// TryAcquire decrements the in-memory remaining counter and admits the
// caller if the quota allows another request. When the quota is
// exhausted it returns the duration until the window resets; the caller
// must pause only its own slot for that long and then retry.
func (l *Limiter) TryAcquire(ctx context.Context) (Admission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.store.Load(ctx)
	if err != nil {
		return Admission{}, fmt.Errorf("load quota state: %w", err)
	}

	// Fixed window: a passed reset instant refills the full quota.
	if b.Expired() {
		b.Remaining = l.config.WindowLimit
		b.ResetAt = time.Now().Add(l.config.Window)
		quotaRefillsTotal.Inc()
		l.logger.Debug().
			Int("remaining", b.Remaining).
			Time("reset_at", b.ResetAt).
			Msg("Quota window refilled")
	}

	if b.Remaining <= 0 {
		wait := b.TimeUntilReset()
		if wait <= 0 {
			wait = time.Second
		}
		quotaWaitsTotal.Inc()
		l.logger.Warn().
			Dur("reset_in", wait).
			Msg("Quota exhausted, deferring admission")
		return Admission{Admitted: false, Wait: wait}, nil
	}

	b.Remaining--
	if err := l.store.Save(ctx, b); err != nil {
		return Admission{}, fmt.Errorf("save quota state: %w", err)
	}

	quotaRemaining.Set(float64(b.Remaining))
	return Admission{Admitted: true}, nil
}

// Observe updates the budget from the authoritative values in a lookup
// response. Missing headers leave the budget untouched; a malformed
// header value is reported but never fatal.
func (l *Limiter) Observe(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-Rl")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-Rl header: %w", err)
	}

	ttlStr := headers.Get("X-Ttl")
	if ttlStr == "" {
		return fmt.Errorf("X-Ttl header missing")
	}

	ttlSeconds, err := strconv.Atoi(ttlStr)
	if err != nil {
		return fmt.Errorf("parse X-Ttl header: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := Budget{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(ttlSeconds) * time.Second),
		LastUpdate: now,
	}
	if err := l.store.Save(ctx, b); err != nil {
		return fmt.Errorf("save quota state: %w", err)
	}

	quotaRemaining.Set(float64(remain))

	if remain == 0 {
		l.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", b.ResetAt).
			Msg("Server reports quota exhausted")
	} else {
		l.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", b.ResetAt).
			Msg("Quota state updated")
	}
	return nil
}

// ObserveExhausted records an explicit over-quota signal (HTTP 429)
// regardless of local accounting: the budget drops to zero until the
// server-provided retry interval has elapsed.
func (l *Limiter) ObserveExhausted(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = l.config.Window
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := Budget{
		Remaining:  0,
		ResetAt:    now.Add(retryAfter),
		LastUpdate: now,
	}
	if err := l.store.Save(ctx, b); err != nil {
		return fmt.Errorf("save quota state: %w", err)
	}

	quotaRemaining.Set(0)
	l.logger.Warn().
		Dur("retry_after", retryAfter).
		Msg("Over-quota response received, budget zeroed")
	return nil
}

// Budget returns the current budget snapshot, for reporting.
func (l *Limiter) Budget(ctx context.Context) (Budget, error) {
	return l.store.Load(ctx)
}
