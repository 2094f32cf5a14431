package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/oneclick/internal/domain"
)

// Receiver yields job IDs dispatched to the worker.
type Receiver interface {
	Receive(ctx context.Context) (uuid.UUID, error)
}

// Matcher picks the pipeline for an input location, or nil.
type Matcher interface {
	Match(inputLocation string) domain.Pipeline
}

// DefaultJobTimeout bounds an attempt when Config leaves JobTimeout unset.
const DefaultJobTimeout = 30 * time.Minute

// Config sizes the worker.
type Config struct {
	Workers       int           // concurrent pipeline runs
	MaxRetries    int           // extra attempts after the first failure
	JobTimeout    time.Duration // bound on a single attempt
	RetryDelay    time.Duration // first backoff; doubles per retry
	PollInterval  time.Duration // pause after a queue error
	SweepInterval time.Duration // how often stalled jobs are re-dispatched
}

// leaseSlack covers the store round-trips around a run.
const leaseSlack = time.Minute

// Lease is how long a claim keeps other workers off a job: every attempt
// running to its timeout plus the backoff between them.
func (c Config) Lease() time.Duration {
	backoff := c.RetryDelay * time.Duration(1<<c.MaxRetries - 1)
	return time.Duration(c.MaxRetries+1)*c.JobTimeout + backoff + leaseSlack
}

// Worker consumes dispatched job IDs and runs the matching pipeline.
type Worker struct {
	svc      *domain.JobService
	queue    Receiver
	registry Matcher
	cfg      Config
	logger   *slog.Logger
}

// New creates a new worker.
func New(svc *domain.JobService, queue Receiver, registry Matcher, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		svc:      svc,
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts the worker goroutines and the stalled-job sweep, and blocks
// until ctx is cancelled or the queue is closed and every in-flight job has
// returned.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "workers", w.cfg.Workers, "max_retries", w.cfg.MaxRetries,
		"lease", w.cfg.Lease(), "sweep_interval", w.cfg.SweepInterval)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		w.sweep(sweepCtx)
	}()

	var wg sync.WaitGroup
	for i := range w.cfg.Workers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i + 1)
	}
	wg.Wait()
	stopSweep()
	<-sweepDone

	w.logger.Info("worker shutting down")
}

// sweep re-dispatches stalled jobs right away and then every SweepInterval.
// Unclaimed jobs get one interval of grace before they count as lost.
func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		n, err := w.svc.RecoverProcessing(ctx, w.cfg.SweepInterval, w.cfg.Lease())
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn("re-dispatching stalled jobs", "dispatched", n, "error", err)
		case n > 0:
			w.logger.Info("re-dispatched stalled jobs", "count", n)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) loop(ctx context.Context, n int) {
	for {
		id, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return
			}
			w.logger.Error("receive failed", "worker_id", n, "error", err)
			select {
			case <-time.After(w.cfg.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
		w.processJob(ctx, id)
	}
}

func (w *Worker) processJob(ctx context.Context, id uuid.UUID) {
	log := w.logger.With("job_id", id)

	// Redelivered or recovered IDs may be settled or held by another worker.
	job, err := w.svc.ClaimJob(ctx, id, w.cfg.Lease())
	switch {
	case errors.Is(err, domain.ErrJobClaimed), errors.Is(err, domain.ErrInvalidTransition):
		log.Debug("skipping job", "reason", err)
		return
	case err != nil:
		log.Error("claim failed", "error", err)
		return
	}

	p := w.registry.Match(job.InputLocation())
	if p == nil {
		log.Warn("no pipeline for input", "input", job.InputLocation())
		w.fail(ctx, log, id, "no pipeline for input")
		return
	}

	log.Info("processing", "pipeline", p.Name())
	res, err := w.run(ctx, log, p, job)
	if err != nil {
		if ctx.Err() != nil {
			// Left Processing; re-dispatched once the claim expires.
			log.Warn("interrupted by shutdown", "error", err)
			return
		}
		w.fail(ctx, log, id, err.Error())
		return
	}

	if _, err := w.svc.CompleteJob(ctx, id, res.Outputs, res.Transcript); err != nil {
		log.Error("complete failed", "error", err)
		return
	}
	log.Info("completed", "pipeline", p.Name(), "outputs", len(res.Outputs))
}

// run executes p with a per-attempt timeout, retrying with exponential
// backoff.
func (w *Worker) run(ctx context.Context, log *slog.Logger, p domain.Pipeline, job *domain.Job) (domain.PipelineResult, error) {
	delay := w.cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		res, err := w.attempt(ctx, p, job)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || attempt > w.cfg.MaxRetries {
			return res, err
		}

		log.Warn("attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.PipelineResult{}, ctx.Err()
		}
		delay *= 2
	}
}

func (w *Worker) attempt(ctx context.Context, p domain.Pipeline, job *domain.Job) (domain.PipelineResult, error) {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	return p.Run(ctx, job)
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, reason string) {
	if _, err := w.svc.FailJob(ctx, id, reason); err != nil {
		log.Error("mark failed", "error", err)
	}
}
