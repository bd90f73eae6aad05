// Package sequencer runs link operations one at a time, in the order they
// were submitted, retrying failed operations a bounded number of times.
//
// A Sequencer owns a FIFO of pending tasks and a single worker goroutine that
// is started when work arrives and exits when the queue is empty. The worker
// never starts an operation before the previous one, including its retries,
// has settled, so the link never sees overlapping transactions.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/seclink/internal/groutine"
)

// ErrQueueFull is returned by Enqueue when MaxPending operations are already queued.
var ErrQueueFull = errors.New("operation queue full")

// Operation is one unit of link work.
type Operation func(ctx context.Context) error

// Options configures a Sequencer.
type Options struct {
	Name       string // goroutine label and log field
	Retries    int    // extra attempts after a failure
	MaxPending int    // 0 = unbounded
}

// DefaultOptions runs each failed operation once more and never rejects work.
func DefaultOptions() *Options {
	return &Options{
		Name:    "sequencer",
		Retries: 1,
	}
}

// Stats is a snapshot of sequencer counters.
type Stats struct {
	Completed uint64
	Retries   uint64
	Failures  uint64
}

type task struct {
	ctx  context.Context
	op   Operation
	done chan error
}

// Sequencer serializes operations. The zero value is not usable; use New.
type Sequencer struct {
	name       string
	retries    int
	maxPending int
	logger     *logrus.Logger

	mu      sync.Mutex
	queue   []*task
	pending int // queued + in flight
	running bool

	completed atomic.Uint64
	retried   atomic.Uint64
	failures  atomic.Uint64
}

// New creates a Sequencer. nil opts selects DefaultOptions.
func New(opts *Options, logger *logrus.Logger) *Sequencer {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	name := opts.Name
	if name == "" {
		name = "sequencer"
	}
	return &Sequencer{
		name:       name,
		retries:    max(opts.Retries, 0),
		maxPending: max(opts.MaxPending, 0),
		logger:     logger,
	}
}

// Enqueue appends op to the queue and waits for it to settle.
//
// Once queued, op always runs to completion: cancelling ctx only stops the
// caller from waiting. op receives ctx's values but not its cancellation.
func (s *Sequencer) Enqueue(ctx context.Context, op Operation) error {
	t := &task{
		ctx:  context.WithoutCancel(ctx),
		op:   op,
		done: make(chan error, 1),
	}

	s.mu.Lock()
	if s.maxPending > 0 && s.pending >= s.maxPending {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d pending", ErrQueueFull, s.maxPending)
	}
	s.queue = append(s.queue, t)
	s.pending++
	if !s.running {
		s.running = true
		groutine.Go(t.ctx, s.name, s.run)
	}
	s.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit is Enqueue for operations that produce a value.
func Submit[T any](ctx context.Context, s *Sequencer, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := s.Enqueue(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Pending returns the number of queued and in-flight operations.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stats returns a snapshot of the counters.
func (s *Sequencer) Stats() Stats {
	return Stats{
		Completed: s.completed.Load(),
		Retries:   s.retried.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *Sequencer) run(ctx context.Context) {
	worker := groutine.GetName(ctx)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			s.logger.WithField("worker", worker).Debug("Queue drained, worker exiting")
			return
		}
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.execute(t, worker)

		s.mu.Lock()
		s.pending--
		s.mu.Unlock()

		t.done <- err
	}
}

func (s *Sequencer) execute(t *task, worker string) error {
	defer s.completed.Add(1)

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.retried.Add(1)
			s.logger.WithFields(logrus.Fields{
				"worker":  worker,
				"attempt": attempt + 1,
				"error":     err,
			}).Warn("Operation failed, retrying")
		}

		err = s.invoke(t)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			err = perm.err
			break
		}
	}

	s.failures.Add(1)
	s.logger.WithFields(logrus.Fields{
		"worker": worker,
		"error":  err,
	}).Debug("Operation failed")
	return err
}

// invoke runs the operation, turning a panic into an error so the worker survives.
func (s *Sequencer) invoke(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return t.op(t.ctx)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The sequencer returns the
// wrapped error to the caller unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
