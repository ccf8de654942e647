package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/airport-pooling/internal/observability"
)

// Handler processes one job attempt. Handlers must be idempotent.
type Handler func(ctx context.Context, job *Job) error

type Options struct {
	Concurrency  int
	RatePerSec   float64
	MaxAttempts  int
	BackoffBase  time.Duration
	Lease        time.Duration
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Concurrency:  5,
		RatePerSec:   10,
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		Lease:        30 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

type Orchestrator struct {
	queue   Queue
	handler Handler
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOrchestrator builds an orchestrator. handler may be nil for processes
// that only submit jobs.
func NewOrchestrator(q Queue, handler Handler, opts Options, logger *slog.Logger) *Orchestrator {
	burst := int(opts.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Orchestrator{
		queue:   q,
		handler: handler,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), burst),
		logger:  logger,
	}
}

// Submit enqueues the job for rideID. Re-submitting a ride whose job is
// still known to the queue is a no-op and reports added=false.
func (o *Orchestrator) Submit(ctx context.Context, rideID string) (*Job, bool, error) {
	job := &Job{ID: JobID(rideID), RideID: rideID, MaxAttempts: o.opts.MaxAttempts}
	added, err := o.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if added {
		o.logger.Debug("job waiting", "job_id", job.ID, "ride_id", rideID)
	} else {
		o.logger.Debug("duplicate job ignored", "job_id", job.ID, "ride_id", rideID)
	}
	return job, added, nil
}

// Status returns the job of rideID.
func (o *Orchestrator) Status(ctx context.Context, rideID string) (*Job, error) {
	return o.queue.Get(ctx, JobID(rideID))
}

// Run starts the workers and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.handler == nil {
		return errors.New("orchestrator has no handler")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.Concurrency; i++ {
		i := i
		g.Go(func() error {
			o.work(ctx, i)
			return nil
		})
	}
	o.logger.Info("workers started", "concurrency", o.opts.Concurrency, "rate_per_sec", o.opts.RatePerSec)
	return g.Wait()
}

func (o *Orchestrator) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		job, err := o.queue.Claim(ctx, o.opts.Lease)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("claim failed", "worker", worker, "error", err)
			}
			sleep(ctx, o.opts.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, o.opts.PollInterval)
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			// shutting down; the lease expires and another worker picks it up
			return
		}
		o.process(ctx, worker, job)
	}
}

// process runs one attempt and records its outcome in the queue.
func (o *Orchestrator) process(ctx context.Context, worker int, job *Job) {
	log := o.logger.With("job_id", job.ID, "ride_id", job.RideID, "attempt", job.Attempts, "worker", worker)
	log.Debug("job active")

	start := time.Now()
	err := o.invoke(ctx, job)
	observability.JobDuration.Observe(time.Since(start).Seconds())

	// record the outcome even if we are shutting down
	fctx := context.WithoutCancel(ctx)
	var qerr error
	switch {
	case err == nil:
		qerr = o.queue.Complete(fctx, job)
		observability.JobsTotal.WithLabelValues("completed").Inc()
		log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		qerr = o.queue.Fail(fctx, job, err.Error())
		observability.JobsTotal.WithLabelValues("failed").Inc()
		log.Error("job failed", "error", err, "permanent", IsPermanent(err))
	default:
		delay := Backoff(o.opts.BackoffBase, job.Attempts)
		qerr = o.queue.Retry(fctx, job, delay, err.Error())
		observability.JobsTotal.WithLabelValues("retried").Inc()
		log.Warn("job retry scheduled", "error", err, "delay", delay)
	}
	if qerr != nil {
		log.Error("record job outcome", "error", qerr)
	}
}

func (o *Orchestrator) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return o.handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
