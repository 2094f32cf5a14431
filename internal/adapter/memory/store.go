// Package memory implements domain.JobStore over an in-process map. It is the
// reference store used by tests and the "memory" store driver.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/cwygoda/oneclick/internal/domain"
)

var _ domain.JobStore = (*Store)(nil)

// Store keeps job snapshots in a map guarded by a RWMutex. Safe for
// concurrent use.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]domain.JobSnapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[uuid.UUID]domain.JobSnapshot)}
}

// Save inserts or replaces the job if its version matches the stored one.
func (s *Store) Save(_ context.Context, job *domain.Job) error {
	snap := job.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[snap.ID]
	switch {
	case !ok && snap.Version != 0:
		return fmt.Errorf("%w: job %s no longer exists", domain.ErrConflict, snap.ID)
	case ok && cur.Version != snap.Version:
		return fmt.Errorf("%w: job %s is at version %d, not %d", domain.ErrConflict, snap.ID, cur.Version, snap.Version)
	}

	snap.Version++
	s.jobs[snap.ID] = snap
	job.SetVersion(snap.Version)
	return nil
}

// Get returns a copy of the stored job.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.RLock()
	snap, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return domain.RestoreJob(snap)
}

// FindByOwner returns the owner's jobs in creation order.
func (s *Store) FindByOwner(_ context.Context, owner int64) ([]*domain.Job, error) {
	return s.find(func(snap domain.JobSnapshot) bool { return snap.Owner == owner })
}

// FindByStatus returns jobs in status, in creation order.
func (s *Store) FindByStatus(_ context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.find(func(snap domain.JobSnapshot) bool { return snap.Status == status })
}

func (s *Store) find(keep func(domain.JobSnapshot) bool) ([]*domain.Job, error) {
	s.mu.RLock()
	var snaps []domain.JobSnapshot
	for _, snap := range s.jobs {
		if keep(snap) {
			snaps = append(snaps, snap)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(snaps, func(a, b domain.JobSnapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	jobs := make([]*domain.Job, 0, len(snaps))
	for _, snap := range snaps {
		j, err := domain.RestoreJob(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Delete removes the job if present.
func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
