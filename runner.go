package stm

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunOptions configures the runner's retry loop. The zero value runs a
// single attempt; use DefaultOptions and override only the fields that
// need to change, mirroring how the original mixed-containers scenario
// builds its options literal:
//
//	opts := stm.DefaultOptions()
//	opts.Attempts = 20
//	opts.RetryPause = 100 * time.Microsecond
//	opts.PauseJitter = true
type RunOptions struct {
	// Attempts is the maximum number of times the closure will be run
	// before giving up with *AttemptsExhaustedError. Values below 1 are
	// treated as 1.
	Attempts int

	// RetryPause is the base delay between a failed attempt and the next
	// one. Zero means no delay.
	RetryPause time.Duration

	// PauseJitter multiplies RetryPause by a uniform random value in
	// [0, 1) drawn from Rand when true, so that transactions contending
	// on the same containers don't retry in lockstep.
	PauseJitter bool

	// Rand supplies the jitter value; it must return a float64 in [0, 1).
	// Defaults to math/rand/v2's top-level Float64, which is safe for
	// concurrent use. Tests can override it for determinism.
	Rand func() float64

	// Logger receives diagnostic events for every attempt. Defaults to
	// the package-wide default logger (silent unless SetDefaultLogger was
	// called).
	Logger *zap.Logger
}

// DefaultOptions returns the runner's default configuration: 10 attempts,
// no pause between retries, no jitter.
func DefaultOptions() RunOptions {
	return RunOptions{
		Attempts:    10,
		RetryPause:  0,
		PauseJitter: false,
		Rand:        rand.Float64,
		Logger:      getDefaultLogger(),
	}
}

// Run runs fn as a transaction with the default options, retrying it on
// conflict until it commits or the default attempt budget is exhausted.
func Run[T any](fn func(tx *Tx) (T, error)) (T, error) {
	return RunWithOptions(DefaultOptions(), fn)
}

// RunWithOptions runs fn as a transaction with the given options.
//
// fn is handed a fresh Tx on every attempt. It should track the containers
// it needs via TrackCell/TrackQueue/TrackMap, read and write through the
// returned handles, and return its result. If fn returns an error that
// wraps the package's internal early-abort signal (which only happens if a
// tracked container detected a stale read), the attempt is retried
// transparently. Any other error fn returns is terminal and is returned
// as-is. Calling tx.Abort or tx.AbortWith also terminates the attempt
// without retrying, wrapped in *AbortedError.
func RunWithOptions[T any](opts RunOptions, fn func(tx *Tx) (T, error)) (T, error) {
	var zero T

	logger := opts.Logger
	if logger == nil {
		logger = getDefaultLogger()
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	jitter := opts.Rand
	if jitter == nil {
		jitter = rand.Float64
	}

	attemptID := uuid.New()
	logger = logger.With(zap.Stringer("tx", attemptID))

	for attempt := 1; attempt <= attempts; attempt++ {
		tx := newTx()
		result, err := fn(tx)

		if tx.aborted {
			cause := tx.abortErr
			if cause == nil {
				cause = err
			}
			logger.Debug("transaction aborted", zap.Int("attempt", attempt))
			return zero, &AbortedError{Err: cause}
		}

		if err != nil {
			if errors.Is(err, errConcurrentUpdate) {
				logger.Debug("early abort, retrying", zap.Int("attempt", attempt))
				sleepBeforeRetry(opts.RetryPause, opts.PauseJitter, jitter)
				continue
			}
			logger.Debug("transaction closure failed", zap.Int("attempt", attempt), zap.Error(err))
			return zero, err
		}

		if tx.commit() {
			logger.Debug("transaction committed", zap.Int("attempt", attempt))
			return result, nil
		}

		logger.Debug("validation failed, retrying", zap.Int("attempt", attempt))
		sleepBeforeRetry(opts.RetryPause, opts.PauseJitter, jitter)
	}

	logger.Warn("attempts exhausted", zap.Int("attempts", attempts))
	return zero, &AttemptsExhaustedError{Attempts: attempts}
}

func sleepBeforeRetry(pause time.Duration, jitter bool, rnd func() float64) {
	if pause <= 0 {
		return
	}
	d := pause
	if jitter {
		d = time.Duration(float64(pause) * rnd())
	}
	if d > 0 {
		time.Sleep(d)
	}
}
