// Package dispatch runs the worker pool that pulls jobs off the queue and
// routes them to their kind's handler.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/thornvale/worldscheduler/job"
	"github.com/thornvale/worldscheduler/observability"
)

const (
	defaultWorkers      = 5
	defaultPollInterval = 250 * time.Millisecond
	defaultLease        = 30 * time.Second
)

// Handler executes one job and reports how it went.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) job.Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j *job.Job) job.Outcome

func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) job.Outcome { return f(ctx, j) }

// JobSource is the consumer side of the queue.
type JobSource interface {
	Reserve(ctx context.Context, workerID string, leaseDuration time.Duration) (*job.Job, error)
	Renew(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, jobErr error, requeue bool) error
}

// Options tunes the worker pool. Zero values take defaults.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
}

// Dispatcher owns the worker pool. Handlers are registered per kind before
// Start; a reserved job whose kind has no handler is failed terminally.
type Dispatcher struct {
	source   JobSource
	logger   hclog.Logger
	handlers map[job.Kind]Handler

	workers      int
	pollInterval time.Duration
	lease        time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(source JobSource, opts Options, logger hclog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	return &Dispatcher{
		source:       source,
		logger:       logger,
		handlers:     make(map[job.Kind]Handler),
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
		stop:         make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Not safe to call after Start.
func (d *Dispatcher) Register(kind job.Kind, h Handler) {
	d.handlers[kind] = h
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		d.wg.Add(1)
		go d.worker(workerID)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "kinds", len(d.handlers))
}

// Stop drains the pool. In-flight jobs run to completion; the context bounds
// how long the drain may take.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.stop)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

// worker polls for jobs until the dispatcher stops. An empty reserve backs
// off for a poll interval; a successful one immediately polls again so bursts
// drain at full speed.
func (d *Dispatcher) worker(workerID string) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		ctx := context.Background()
		j, err := d.source.Reserve(ctx, workerID, d.lease)
		if err != nil {
			d.logger.Error("reserve failed", "worker", workerID, "error", err)
			d.sleep()
			continue
		}
		if j == nil {
			d.sleep()
			continue
		}
		d.process(ctx, workerID, j)
	}
}

// sleep waits one poll interval, jittered so idle workers spread their
// reserve attempts instead of hitting Redis in lockstep.
func (d *Dispatcher) sleep() {
	wait := d.pollInterval + time.Duration(rand.Int63n(int64(d.pollInterval/2+1)))
	select {
	case <-d.stop:
	case <-time.After(wait):
	}
}

// process runs one job through its handler and settles the outcome with the
// queue. The lease is renewed in the background while the handler runs.
func (d *Dispatcher) process(ctx context.Context, workerID string, j *job.Job) {
	stopRenewal := d.keepLeaseAlive(ctx, workerID, j.ID)
	defer stopRenewal()

	start := time.Now()
	out := d.execute(ctx, j)
	observability.HandlerDuration.WithLabelValues(string(j.Kind)).Observe(time.Since(start).Seconds())

	var err error
	switch out.Code {
	case job.OutcomeSuccess:
		if out.Note != "" {
			d.logger.Info("job done", "id", j.ID, "kind", j.Kind, "note", out.Note)
		} else {
			d.logger.Debug("job done", "id", j.ID, "kind", j.Kind)
		}
		err = d.source.Ack(ctx, j.ID)
	case job.OutcomeRetry:
		d.logger.Warn("job failed, will retry", "id", j.ID, "kind", j.Kind, "error", out.Err)
		err = d.source.Fail(ctx, j.ID, out.Err, true)
	case job.OutcomeTerminal:
		d.logger.Error("job failed terminally", "id", j.ID, "kind", j.Kind, "error", out.Err)
		err = d.source.Fail(ctx, j.ID, out.Err, false)
	}
	if err != nil {
		d.logger.Error("settling job outcome failed", "id", j.ID, "outcome", out.Code.String(), "error", err)
	}
}

// execute invokes the handler with panic containment. A panicking handler is
// treated as a retryable failure.
func (d *Dispatcher) execute(ctx context.Context, j *job.Job) (out job.Outcome) {
	h, ok := d.handlers[j.Kind]
	if !ok {
		return job.Terminal(fmt.Errorf("%w: %q", job.ErrUnknownKind, j.Kind))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "id", j.ID, "kind", j.Kind,
				"panic", r, "stack", string(debug.Stack()))
			out = job.Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, j)
}

// keepLeaseAlive renews the job lease at a third of its duration until the
// returned stop function is called. A lost lease is logged; the reaper will
// already have requeued the job, and the eventual Ack/Fail is idempotent.
func (d *Dispatcher) keepLeaseAlive(ctx context.Context, workerID, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(d.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := d.source.Renew(ctx, jobID, workerID, d.lease)
				if err != nil {
					d.logger.Warn("lease renewal failed", "id", jobID, "error", err)
					continue
				}
				if !ok {
					d.logger.Warn("lease lost while job in flight", "id", jobID, "worker", workerID)
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
