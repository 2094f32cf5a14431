package domain

import (
	"context"

	"github.com/google/uuid"
)

// JobStore is the driven port for job persistence.
//
// Save is an upsert keyed by job ID guarded by the job's version: a job at
// version 0 is inserted, a job at version N replaces the stored record only
// if that record is still at version N. On success the job's version is
// advanced to match what was committed. A lost race yields ErrConflict.
//
// Get returns ErrJobNotFound for unknown IDs. Delete is a no-op for unknown
// IDs. FindByOwner and FindByStatus order results by creation time, then ID.
// Every failure of the underlying medium matches ErrPersistence.
type JobStore interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	FindByOwner(ctx context.Context, owner int64) ([]*Job, error)
	FindByStatus(ctx context.Context, status JobStatus) ([]*Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
	Close() error
}

// Dispatcher hands a job identifier to the out-of-process worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}

// TaskQueue is a Dispatcher the worker can also consume from. Receive blocks
// until an ID is available or ctx is done.
type TaskQueue interface {
	Dispatcher
	Receive(ctx context.Context) (uuid.UUID, error)
	Close() error
}

// PipelineResult is what a finished pipeline run produced.
type PipelineResult struct {
	Outputs    []string
	Transcript *Transcript
}

// Pipeline is the driven port for the external media pipeline.
type Pipeline interface {
	Name() string
	Match(inputLocation string) bool
	Run(ctx context.Context, job *Job) (PipelineResult, error)
}
