package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/metrics"
)

// ReliableConfig tunes the transport protections around a Runner.
type ReliableConfig struct {
	// RateLimit is requests per second. Zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter bucket size.
	RateBurst int
	// Attempts is the total tries per call, first one included.
	Attempts uint
	// BaseDelay is the first retry delay, doubled per attempt. Zero uses retry-go's backoff.
	BaseDelay time.Duration
	// TripAfter opens the breaker after this many consecutive transport failures.
	TripAfter uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultReliableConfig returns the protections used by `relay serve`.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		RateLimit:   2,
		RateBurst:   4,
		Attempts:    3,
		TripAfter:   5,
		OpenTimeout: 30 * time.Second,
	}
}

// ReliableRunner wraps a Runner with a rate limiter, a transport-level
// circuit breaker and retries. It guards the API connection as a whole;
// per-agent-type health is the circuit registry's job.
type ReliableRunner struct {
	next      agent.Runner
	limiter   *rate.Limiter
	cb        *gobreaker.CircuitBreaker
	attempts  uint
	baseDelay time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

var _ agent.Runner = (*ReliableRunner)(nil)

// NewReliableRunner wraps next.
func NewReliableRunner(next agent.Runner, cfg ReliableConfig, logger *zap.Logger, m *metrics.Metrics) *ReliableRunner {
	logger = logging.OrNop(logger).Named("transport")
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	tripAfter := cfg.TripAfter
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "claude-transport",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("transport breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &ReliableRunner{
		next:      next,
		limiter:   rate.NewLimiter(limit, burst),
		cb:        cb,
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		logger:    logger,
		metrics:   m,
	}
}

// RunTask waits for a rate token, then runs the wrapped call through the
// breaker with retries on transient errors.
func (w *ReliableRunner) RunTask(ctx context.Context, agentType, prompt string) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		w.observe(agentType, "rate_limited")
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := w.cb.Execute(func() (interface{}, error) {
		var out string
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.RetryIf(transient),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				if w.baseDelay > 0 {
					return w.baseDelay << n
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		retryErr := r.Do(func() error {
			var callErr error
			out, callErr = w.next.RunTask(ctx, agentType, prompt)
			if callErr != nil && transient(callErr) {
				w.observe(agentType, "retry")
			}
			return callErr
		})
		return out, retryErr
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			w.observe(agentType, "breaker_open")
		default:
			w.observe(agentType, "error")
		}
		return "", err
	}

	w.observe(agentType, "ok")
	return result.(string), nil
}

// State reports the transport breaker state.
func (w *ReliableRunner) State() string {
	return w.cb.State().String()
}

func (w *ReliableRunner) observe(agentType, result string) {
	if w.metrics == nil {
		return
	}
	w.metrics.RunnerCalls.WithLabelValues(agentType, result).Inc()
}

// transient reports whether err is worth retrying: network failures,
// throttling and server errors. Cancellation and client errors are final.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// PermanentError marks a runner error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }
