// Package retry runs fallible operations with a per-attempt timeout and
// exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/trialsync/internal/syncerr"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultTimeout    = 15 * time.Second
	DefaultJitter     = 0.1

	// NoRetries makes the executor run the operation exactly once.
	NoRetries = -1
)

type Options struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Jitter      float64
	ShouldRetry func(error) bool
	OnRetry     func(attempt int, err error)
}

type SleepFunc func(ctx context.Context, delay time.Duration) error

type Executor struct {
	opts   Options
	sleep  SleepFunc
	rand   func() float64
	logger *slog.Logger
}

type Option func(*Executor)

func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.rand = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStop ends backoff sleeps as soon as stop is done, even when the
// context passed to Execute outlives it. Attempts already running are not
// interrupted.
func WithStop(stop context.Context) Option {
	return func(e *Executor) {
		if stop == nil {
			return
		}
		inner := e.sleep
		e.sleep = func(ctx context.Context, delay time.Duration) error {
			if err := stop.Err(); err != nil {
				return err
			}
			merged, cancel := context.WithCancel(ctx)
			defer cancel()
			release := context.AfterFunc(stop, cancel)
			defer release()
			if err := inner(merged, delay); err != nil {
				if stopErr := stop.Err(); stopErr != nil {
					return stopErr
				}
				return err
			}
			return nil
		}
	}
}

func New(opts Options, options ...Option) *Executor {
	e := &Executor{
		opts:   opts.withDefaults(),
		sleep:  Sleep,
		rand:   lockedRand(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

func (e *Executor) Options() Options {
	return e.opts
}

// With returns a copy of the executor whose options are overridden by the
// non-zero fields of override, with options applied to the copy.
func (e *Executor) With(override Options, options ...Option) *Executor {
	merged := e.opts
	if override.MaxRetries != 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > 0 {
		merged.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		merged.MaxDelay = override.MaxDelay
	}
	if override.Timeout > 0 {
		merged.Timeout = override.Timeout
	}
	if override.Jitter > 0 {
		merged.Jitter = override.Jitter
	}
	if override.ShouldRetry != nil {
		merged.ShouldRetry = override.ShouldRetry
	}
	if override.OnRetry != nil {
		merged.OnRetry = override.OnRetry
	}
	clone := *e
	clone.opts = merged.withDefaults()
	for _, opt := range options {
		opt(&clone)
	}
	return &clone
}

// Execute runs op until it succeeds, fails with an error ShouldRetry rejects,
// or runs out of retries. Each attempt gets its own Timeout; the last error
// is returned when attempts are exhausted.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if op == nil {
		return syncerr.New(syncerr.KindInvalidInput, "retry", errors.New("operation is required"))
	}
	maxRetries := e.opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		err := e.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !e.opts.ShouldRetry(err) || attempt >= maxRetries {
			return err
		}
		delay := Backoff(attempt, e.opts.BaseDelay, e.opts.MaxDelay, e.opts.Jitter, e.rand())
		if hinted := retryAfter(err); hinted > delay {
			delay = min(hinted, e.opts.MaxDelay)
		}
		if e.opts.OnRetry != nil {
			e.opts.OnRetry(attempt+1, err)
		}
		e.logger.Debug("retrying operation", "attempt", attempt+1, "delay", delay, "error", err)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry aborted: %w", errors.Join(sleepErr, err))
		}
	}
}

func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(attemptCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && syncerr.KindOf(err) == syncerr.KindUnknown {
			return syncerr.New(syncerr.KindTimeout, "attempt", err)
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncerr.New(syncerr.KindTimeout, "attempt", fmt.Errorf("no result after %s", e.opts.Timeout))
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		result T
	)
	err := e.Execute(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		// an attempt that finishes after its deadline must not publish a result
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		result = value
		mu.Unlock()
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

// Backoff computes base*2^attempt scaled by a jitter factor in [1-jitter, 1+jitter]
// chosen by sample, capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration, jitter, sample float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	factor := 1 - jitter + 2*jitter*sample
	delay := float64(base) * math.Pow(2, float64(attempt)) * factor
	if maxDelay > 0 && delay >= float64(maxDelay) {
		return maxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Sleep blocks for delay or until ctx is done.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Jitter <= 0 || o.Jitter >= 1 {
		o.Jitter = DefaultJitter
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsRetryable
	}
	return o
}

func lockedRand() func() float64 {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}

func retryAfter(err error) time.Duration {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter()
	}
	return 0
}
