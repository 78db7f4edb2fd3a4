// Package retry implements the single retry/backoff strategy shared by every
// upstream call site. Call sites differ only in the Classifier they supply.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Class tells the strategy how to treat a failed attempt.
type Class int

const (
	// ClassFatal stops immediately without another attempt.
	ClassFatal Class = iota
	// ClassTransient retries after the backoff curve delay.
	ClassTransient
	// ClassRateLimited retries after the fixed rate-limit cooldown.
	ClassRateLimited
)

// String returns the label used in logs and metrics.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Classifier maps an attempt error onto a Class.
type Classifier func(err error) Class

// BackoffKind selects the growth curve for transient failures.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffFibonacci   BackoffKind = "fibonacci"
)

// Sleeper waits for the given duration or until the context ends.
type Sleeper func(ctx context.Context, delay time.Duration) error

// ErrAttemptsExhausted matches every ExhaustedError through errors.Is.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError reports that every permitted attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAttemptsExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAttemptsExhausted
}

// Strategy is an immutable retry policy. The zero value performs a single attempt.
type Strategy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimitCooldown is waited after a ClassRateLimited failure. It does not
	// advance the backoff curve but it does consume an attempt.
	RateLimitCooldown time.Duration
	Sleep             Sleeper
	Logger            *zap.Logger
	// OnRetry, when set, observes every scheduled retry.
	OnRetry func(class Class, attempt int, delay time.Duration)
}

// ParseBackoffKind validates a configured backoff name.
func ParseBackoffKind(value string) (BackoffKind, error) {
	switch BackoffKind(strings.ToLower(strings.TrimSpace(value))) {
	case BackoffLinear:
		return BackoffLinear, nil
	case BackoffExponential, "":
		return BackoffExponential, nil
	case BackoffFibonacci:
		return BackoffFibonacci, nil
	default:
		return "", fmt.Errorf("retry: unknown backoff %q", value)
	}
}

// Do runs operation until it succeeds, the classifier reports ClassFatal, the
// context ends or MaxAttempts attempts have been made. Attempts are 1-based.
func (s Strategy) Do(ctx context.Context, classify Classifier, operation func(ctx context.Context, attempt int) error) error {
	maxAttempts := s.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	backoffStep := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := operation(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}

		class := ClassFatal
		if classify != nil {
			class = classify(err)
		}
		if class == ClassFatal {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		var delay time.Duration
		if class == ClassRateLimited {
			delay = s.RateLimitCooldown
		} else {
			backoffStep++
			delay = s.Delay(backoffStep)
		}

		logger.Warn("attempt failed, retrying",
			zap.String("class", class.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if s.OnRetry != nil {
			s.OnRetry(class, attempt, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Delay returns the backoff delay for the nth transient retry (1-based), capped by MaxDelay.
func (s Strategy) Delay(step int) time.Duration {
	if step < 1 {
		step = 1
	}
	var delay time.Duration
	switch s.Backoff {
	case BackoffLinear:
		delay = s.BaseDelay * time.Duration(step)
	case BackoffFibonacci:
		delay = s.BaseDelay * time.Duration(fibonacci(step))
	default:
		delay = s.BaseDelay
		for i := 1; i < step; i++ {
			delay *= 2
			if s.MaxDelay > 0 && delay >= s.MaxDelay {
				break
			}
		}
	}
	if s.MaxDelay > 0 && delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	return delay
}

// fibonacci returns 1, 1, 2, 3, 5, ... for n = 1, 2, 3, ...
func fibonacci(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	return b
}

// Sleep waits for delay unless ctx ends first.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
