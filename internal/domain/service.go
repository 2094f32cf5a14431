package domain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// maxConflictRetries bounds how often a load-mutate-save cycle is re-run
// after losing an optimistic race.
const maxConflictRetries = 3

// JobService orchestrates job operations.
type JobService struct {
	store      JobStore
	dispatcher Dispatcher
	logger     *slog.Logger
	defaults   RenderSettings
	now        func() time.Time
}

// Option configures a JobService.
type Option func(*JobService)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *JobService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaultRenderSettings sets the settings applied when CreateJob is not
// given any.
func WithDefaultRenderSettings(r RenderSettings) Option {
	return func(s *JobService) { s.defaults = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *JobService) { s.now = now }
}

// NewJobService creates a new JobService.
func NewJobService(store JobStore, dispatcher Dispatcher, opts ...Option) *JobService {
	s := &JobService{
		store:      store,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		defaults:   DefaultRenderSettings(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateJob persists a new Uploaded job. A nil settings uses the defaults.
func (s *JobService) CreateJob(ctx context.Context, owner int64, inputLocation string, settings *RenderSettings) (*Job, error) {
	rs := s.defaults
	if settings != nil {
		rs = *settings
	}
	job, err := NewJob(owner, inputLocation, rs, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job_id", job.ID(), "owner", owner, "input", inputLocation)
	return job, nil
}

// GetJob retrieves a job by ID.
func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns every job requested by owner.
func (s *JobService) ListByOwner(ctx context.Context, owner int64) ([]*Job, error) {
	return s.store.FindByOwner(ctx, owner)
}

// ListByStatus returns every job currently in status.
func (s *JobService) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	return s.store.FindByStatus(ctx, status)
}

// DeleteJob removes a job. Unknown IDs are ignored.
func (s *JobService) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}

// QueueJob marks an Uploaded job as Queued.
func (s *JobService) QueueJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		return j.MarkQueued(s.now())
	})
}

// BeginProcessing moves a job to Processing and, once that is durable,
// dispatches it to the worker. A job already Processing is rejected with
// ErrInvalidTransition, so each job is dispatched at most once per call
// that wins the transition.
func (s *JobService) BeginProcessing(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := s.update(ctx, id, func(j *Job) error {
		return j.MarkProcessing(s.now())
	})
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		// The job stays Processing and unclaimed; RecoverProcessing
		// re-dispatches it.
		s.logger.Error("dispatch failed", "job_id", id, "error", err)
		return job, nil
	}
	s.logger.Info("job dispatched", "job_id", id)
	return job, nil
}

// CompleteJob records the outputs (and optional transcript) of a Processing
// job and marks it Completed.
func (s *JobService) CompleteJob(ctx context.Context, id uuid.UUID, outputs []string, transcript *Transcript) (*Job, error) {
	job, err := s.update(ctx, id, func(j *Job) error {
		now := s.now()
		if transcript != nil {
			if err := j.AttachTranscript(*transcript, now); err != nil {
				return err
			}
		}
		return j.MarkCompleted(outputs, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job completed", "job_id", id, "outputs", len(outputs))
	return job, nil
}

// FailJob marks a non-terminal job as Failed.
func (s *JobService) FailJob(ctx context.Context, id uuid.UUID, reason string) (*Job, error) {
	job, err := s.update(ctx, id, func(j *Job) error {
		return j.MarkFailed(reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("job failed", "job_id", id, "reason", reason)
	return job, nil
}

// ClaimJob hands a Processing job to the calling worker for lease. While
// the claim is live other callers get ErrJobClaimed; of two concurrent
// callers the version check lets exactly one through.
func (s *JobService) ClaimJob(ctx context.Context, id uuid.UUID, lease time.Duration) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		return j.Claim(s.now(), lease)
	})
}

// RecoverProcessing re-dispatches Processing jobs that no worker is running:
// unclaimed jobs left alone for grace (lost between the transition and the
// queue) and jobs whose claim outlived lease (worker gone). Jobs a worker
// holds are skipped.
func (s *JobService) RecoverProcessing(ctx context.Context, grace, lease time.Duration) (int, error) {
	jobs, err := s.store.FindByStatus(ctx, StatusProcessing)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var n int
	for _, j := range jobs {
		if !j.Stalled(now, grace, lease) {
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, j.ID()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// update runs a load-mutate-save cycle, re-running it from a fresh load when
// another writer committed first.
func (s *JobService) update(ctx context.Context, id uuid.UUID, mutate func(*Job) error) (*Job, error) {
	for attempt := 0; ; attempt++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(job); err != nil {
			return nil, err
		}
		err = s.store.Save(ctx, job)
		if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
			s.logger.Debug("save conflict, retrying", "job_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}
