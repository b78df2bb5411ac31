package retry

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"companion/internal/metrics"
)

const (
	DefaultAttempts       = 5
	DefaultRetryDelay     = 1200 * time.Millisecond
	DefaultRateLimitDelay = 2 * time.Second
	DefaultMaxDelay       = 30 * time.Second
)

// Operation is one transport attempt. It must rebuild its request on every
// call.
type Operation func(ctx context.Context) (string, error)

type Config struct {
	Attempts       int
	RetryDelay     time.Duration
	RateLimitDelay time.Duration
	MaxDelay       time.Duration
	Classifier     Classifier
	// Sleep defaults to a context aware timer. Tests replace it.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Result struct {
	Text     string
	Attempts int
}

// Engine runs an operation until it succeeds, hits a non-retryable outcome
// or exhausts its attempts. It keeps no state between calls.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RateLimitDelay < cfg.RetryDelay {
		cfg.RateLimitDelay = cfg.RetryDelay
	}
	if cfg.MaxDelay < cfg.RateLimitDelay {
		cfg.MaxDelay = cfg.RateLimitDelay
	}
	if cfg.Classifier == nil {
		cfg.Classifier = Classify
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Do(ctx context.Context, model string, op Operation) (Result, error) {
	rateLimit := e.rateLimitBackOff()

	var (
		lastErr error
		last    Outcome
		attempt int
	)
	for attempt = 1; attempt <= e.cfg.Attempts; attempt++ {
		text, err := op(ctx)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyResponse
		}
		outcome := OutcomeSuccess
		if err != nil {
			outcome = e.cfg.Classifier(err)
			if outcome == OutcomeSuccess {
				outcome = OutcomeFatal
			}
		}
		e.cfg.Metrics.ProviderAttempts.WithLabelValues(model, outcome.String()).Inc()
		if outcome == OutcomeSuccess {
			return Result{Text: text, Attempts: attempt}, nil
		}

		lastErr, last = err, outcome
		if !outcome.Retryable() || attempt == e.cfg.Attempts {
			break
		}
		if ctx.Err() != nil {
			return Result{}, &Error{Model: model, Outcome: OutcomeFatal, Attempts: attempt, Err: ctx.Err()}
		}

		delay := e.delay(outcome, rateLimit)
		e.cfg.Logger.Warn().
			Err(err).
			Str("model", model).
			Str("outcome", outcome.String()).
			Int("attempt", attempt).
			Int("max_attempts", e.cfg.Attempts).
			Dur("delay", delay).
			Msg("provider attempt failed, retrying")
		e.cfg.Metrics.RetryWaitSeconds.WithLabelValues(outcome.String()).Observe(delay.Seconds())

		if err := e.cfg.Sleep(ctx, delay); err != nil {
			return Result{}, &Error{Model: model, Outcome: OutcomeFatal, Attempts: attempt, Err: err}
		}
	}
	if attempt > e.cfg.Attempts {
		attempt = e.cfg.Attempts
	}
	return Result{}, &Error{Model: model, Outcome: last, Attempts: attempt, Err: lastErr}
}

// delay is the fixed retry delay, except for rate limits which follow an
// exponential curve starting at RateLimitDelay and capped at MaxDelay.
func (e *Engine) delay(o Outcome, rateLimit backoff.BackOff) time.Duration {
	if o != OutcomeRateLimited {
		return e.cfg.RetryDelay
	}
	d := rateLimit.NextBackOff()
	if d < e.cfg.RetryDelay {
		d = e.cfg.RetryDelay
	}
	return d
}

func (e *Engine) rateLimitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RateLimitDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = e.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
