package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geokit-dev/geodig/pkg/ratelimit"
)

// Prometheus metrics for lookup operations.
var (
	lookupRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geodig_lookup_requests_total",
		Help: "Total lookup attempts by outcome status",
	}, []string{"status"})

	lookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geodig_lookup_duration_seconds",
		Help:    "Lookup request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// Config holds the lookup client configuration.
type Config struct {
	// BaseURL of the lookup service.
	BaseURL string

	// Fields requested from the service for each target.
	Fields string

	// UserAgent sent with every request.
	UserAgent string

	// Timeout per remote call.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration for the public
// lookup endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://ip-api.com",
		Fields:    "status,message,country,countryCode,city,isp,org,as,query",
		UserAgent: "geodig/1.0",
		Timeout:   10 * time.Second,
	}
}

// Client issues one remote lookup per call. It is safe for concurrent
// use by all worker slots; a call may suspend the calling worker during
// network I/O but never the whole pool.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

// New creates a lookup client over the shared rate limiter.
func New(limiter *ratelimit.Limiter, cfg Config) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Fields == "" {
		cfg.Fields = DefaultConfig().Fields
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
		config:  cfg,
		logger:  log.With().Str("component", "lookup-client").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// apiResponse is the wire shape of a lookup reply. On failure Status is
// "fail" and Message names the reason.
type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	GeoInfo
}

// Lookup performs one remote lookup for target and classifies the
// result. It never returns an error: every failure mode is data, carried
// in the Outcome so the caller must handle all cases.
func (c *Client) Lookup(ctx context.Context, target string) Outcome {
	start := time.Now()

	endpoint := fmt.Sprintf("%s/json/%s?fields=%s",
		c.config.BaseURL, url.PathEscape(target), url.QueryEscape(c.config.Fields))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return c.finish(Outcome{
			Target:  target,
			Status:  StatusPermanent,
			Latency: time.Since(start),
			Err:     &APIError{Target: target, Message: err.Error()},
		})
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("target", target).Msg("Executing lookup")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("target", target).Msg("Lookup transport failure")
		return c.finish(Outcome{
			Target:  target,
			Status:  StatusTransient,
			Latency: time.Since(start),
			Err:     err,
		})
	}
	defer resp.Body.Close()

	// The server is the source of truth for the quota; every response
	// feeds the limiter, success or not.
	if obsErr := c.limiter.Observe(ctx, resp.Header); obsErr != nil {
		c.logger.Warn().Err(obsErr).Msg("Failed to update quota from headers")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := retryAfterFrom(resp.Header)
		if obsErr := c.limiter.ObserveExhausted(ctx, retryAfter); obsErr != nil {
			c.logger.Warn().Err(obsErr).Msg("Failed to record over-quota signal")
		}
		c.logger.Warn().
			Str("target", target).
			Dur("retry_after", retryAfter).
			Msg("Lookup throttled by server")
		return c.finish(Outcome{
			Target:     target,
			Status:     StatusRateLimited,
			Latency:    time.Since(start),
			RetryAfter: retryAfter,
		})
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().
			Str("target", target).
			Int("status_code", resp.StatusCode).
			Msg("Lookup returned unexpected status")
		return c.finish(Outcome{
			Target:  target,
			Status:  StatusTransient,
			Latency: time.Since(start),
			Err:     fmt.Errorf("%w: %s", ErrServerStatus, resp.Status),
		})
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return c.finish(Outcome{
			Target:  target,
			Status:  StatusTransient,
			Latency: time.Since(start),
			Err:     fmt.Errorf("%w: %v", ErrMalformedResponse, err),
		})
	}

	if body.Status != "success" {
		// A well-formed rejection of the target itself: invalid query,
		// private range, reserved range. Retrying cannot change it.
		return c.finish(Outcome{
			Target:  target,
			Status:  StatusPermanent,
			Latency: time.Since(start),
			Err:     &APIError{Target: target, Message: body.Message},
		})
	}

	geo := body.GeoInfo
	if geo.Query == "" {
		geo.Query = target
	}

	c.logger.Debug().
		Str("target", target).
		Str("country", geo.Country).
		Dur("duration", time.Since(start)).
		Msg("Lookup succeeded")

	return c.finish(Outcome{
		Target:  target,
		Status:  StatusSuccess,
		Geo:     geo,
		Latency: time.Since(start),
	})
}

// finish records metrics for an outcome before returning it.
func (c *Client) finish(o Outcome) Outcome {
	lookupRequestsTotal.WithLabelValues(string(o.Status)).Inc()
	lookupDuration.Observe(o.Latency.Seconds())
	return o
}

// retryAfterFrom extracts the server-specified wait from a throttled
// response: X-Ttl carries seconds until the window resets, Retry-After
// is honored as a fallback. Returns 0 when neither is usable.
func retryAfterFrom(headers http.Header) time.Duration {
	for _, name := range []string{"X-Ttl", "Retry-After"} {
		if v := headers.Get(name); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}
