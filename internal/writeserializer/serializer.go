// Package writeserializer provides a single-writer FIFO task queue, used
// anywhere a sequence number or counter must be assigned without a race
// (e.g. a device's next device_id) but a database-level advisory lock would
// be overkill for the write volume involved.
package writeserializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Submit once the Serializer has stopped.
var ErrClosed = errors.New("writeserializer: closed")

// ErrDeadlineExceeded is returned when a submitted operation outlives the
// serializer's per-operation deadline. The closure's context is cancelled;
// whether it aborts is up to the closure, but its result is discarded.
var ErrDeadlineExceeded = errors.New("writeserializer: operation deadline exceeded")

type job struct {
	label string
	fn    func(ctx context.Context) (any, error)
	done  chan result
}

type result struct {
	value any
	err   error
}

// Serializer runs submitted jobs one at a time, in submission order, on a
// single background goroutine. It is grounded on the gateway hub's
// single-goroutine Run loop consuming one channel.
type Serializer struct {
	jobs     chan job
	closed   chan struct{}
	deadline time.Duration
	log      zerolog.Logger
}

// New creates a Serializer with the given pending-job buffer size and
// default per-operation deadline (zero disables the deadline). Call Run to
// actually begin processing jobs; New only allocates.
func New(buffer int, opDeadline time.Duration, logger zerolog.Logger) *Serializer {
	return &Serializer{
		jobs:     make(chan job, buffer),
		closed:   make(chan struct{}),
		deadline: opDeadline,
		log:      logger.With().Str("component", "writeserializer").Logger(),
	}
}

// Run drains submitted jobs in order until ctx is cancelled or Close is
// called. It blocks, so callers run it in its own goroutine.
func (s *Serializer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx.Err())
			return
		case <-s.closed:
			s.drain(ErrClosed)
			return
		case j := <-s.jobs:
			s.runJob(ctx, j)
		}
	}
}

func (s *Serializer) runJob(ctx context.Context, j job) {
	if s.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	value, err := j.fn(ctx)
	if err != nil {
		if s.deadline > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrDeadlineExceeded, j.label)
		}
		s.log.Debug().Str("label", j.label).Err(err).Msg("serialized write failed")
	}
	j.done <- result{value: value, err: err}
}

// drain fails every job still queued once the serializer is shutting down,
// so callers blocked on Submit don't hang forever.
func (s *Serializer) drain(cause error) {
	for {
		select {
		case j := <-s.jobs:
			j.done <- result{err: cause}
		default:
			return
		}
	}
}

// Close stops the Serializer after any in-flight job finishes. Safe to call
// more than once.
func (s *Serializer) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Submit enqueues fn and blocks until it has run (or the serializer stops),
// returning whatever fn returned. label is used only for diagnostics.
func Submit[T any](ctx context.Context, s *Serializer, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	done := make(chan result, 1)
	j := job{
		label: label,
		fn: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		done: done,
	}

	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.closed:
		return zero, ErrClosed
	}

	select {
	case r := <-done:
		if r.err != nil {
			return zero, r.err
		}
		v, _ := r.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
