// Package supervisor bounds the time spent waiting on the remote identity
// service.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/abtime"
	"go.uber.org/zap"
)

// ErrTimeout is returned when a bounded step did not finish in time. It is a
// degraded-mode signal, never fatal.
var ErrTimeout = errors.New("timed out")

// Bound runs fn and returns ErrTimeout once clock reports d elapsed under
// timer id, even if fn ignores its context. The context handed to fn is
// cancelled at that point; fn keeps running in the background until it
// returns and its late result is discarded.
func Bound[T any](ctx context.Context, clock abtime.AbstractTime, id int, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	expired := clock.After(d, id)
	var zero T
	select {
	case r := <-done:
		// A manual clock delivers on an unbuffered channel.
		go func() { <-expired }()
		return r.v, r.err
	case <-expired:
		return zero, ErrTimeout
	case <-ctx.Done():
		go func() { <-expired }()
		select {
		case r := <-done:
			return r.v, r.err
		default:
		}
		return zero, ctx.Err()
	}
}

// Degraded logs a timeout as a degraded-mode event.
func Degraded(log *zap.Logger, step string, d time.Duration, fallback string) {
	log.Warn("degraded mode: step timed out",
		zap.String("step", step),
		zap.Duration("bound", d),
		zap.String("fallback", fallback),
	)
}
