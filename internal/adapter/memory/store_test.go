package memory

import (
	"context"
	"testing"

	"github.com/cwygoda/oneclick/internal/adapter/storetest"
	"github.com/cwygoda/oneclick/internal/domain"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.JobStore { return New() })
}

func TestStore_IsolatesCallerCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := storetest.NewJob(t, 1, 0)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's job without saving must not leak into the store.
	if err := job.MarkQueued(job.CreatedAt()); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status() != domain.StatusUploaded {
		t.Errorf("Status() = %q, want %q", got.Status(), domain.StatusUploaded)
	}
}
