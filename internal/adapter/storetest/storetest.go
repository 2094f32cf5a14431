// Package storetest is a conformance suite every domain.JobStore adapter runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/oneclick/internal/domain"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) domain.JobStore

var base = time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)

// Run exercises the full JobStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, domain.JobStore)
	}{
		{"SaveGetRoundTrip", testRoundTrip},
		{"SaveAdvancesVersion", testSaveAdvancesVersion},
		{"SaveOverwritesMutableFields", testOverwrite},
		{"StaleSaveConflicts", testStaleSave},
		{"DuplicateInsertConflicts", testDuplicateInsert},
		{"GetUnknown", testGetUnknown},
		{"FindByOwner", testFindByOwner},
		{"FindByStatus", testFindByStatus},
		{"FindByStatusIdempotent", testFindByStatusIdempotent},
		{"ClaimPersists", testClaimPersists},
		{"Delete", testDelete},
		{"ConcurrentSaves", testConcurrentSaves},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { store.Close() })
			tt.fn(t, store)
		})
	}
}

// NewJob builds a job created at base+offset.
func NewJob(t *testing.T, owner int64, offset time.Duration) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(owner, "/uploads/in.mp4", domain.DefaultRenderSettings(), base.Add(offset))
	if err != nil {
		t.Fatalf("NewJob() error = %v", err)
	}
	return job
}

// AssertEqual fails unless a and b agree in every field.
func AssertEqual(t *testing.T, got, want *domain.Job) {
	t.Helper()
	g, w := got.Snapshot(), want.Snapshot()
	if !g.CreatedAt.Equal(w.CreatedAt) || !g.UpdatedAt.Equal(w.UpdatedAt) {
		t.Errorf("timestamps = (%v, %v), want (%v, %v)", g.CreatedAt, g.UpdatedAt, w.CreatedAt, w.UpdatedAt)
	}
	if g.ClaimedAt.IsZero() != w.ClaimedAt.IsZero() || !g.ClaimedAt.Equal(w.ClaimedAt) {
		t.Errorf("ClaimedAt = %v, want %v", g.ClaimedAt, w.ClaimedAt)
	}
	g.CreatedAt, g.UpdatedAt, g.ClaimedAt = w.CreatedAt, w.UpdatedAt, w.ClaimedAt
	if !reflect.DeepEqual(g, w) {
		t.Errorf("job mismatch:\n got %+v\nwant %+v", g, w)
	}
}

func mustSave(t *testing.T, s domain.JobStore, job *domain.Job) {
	t.Helper()
	if err := s.Save(context.Background(), job); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func ids(jobs []*domain.Job) []uuid.UUID {
	out := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID()
	}
	return out
}

func testRoundTrip(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	job := NewJob(t, 1, 0)
	mustSave(t, s, job)

	got, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	AssertEqual(t, got, job)

	// A fully populated job survives too.
	if err := got.MarkProcessing(base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := got.Claim(base.Add(1500*time.Millisecond), time.Hour); err != nil {
		t.Fatal(err)
	}
	tr := domain.Transcript{
		FullText: "cut the silence",
		Words: []domain.WordSegment{
			{Word: "cut", Start: 0.1, End: 0.3, Confidence: 0.97},
			{Word: "the", Start: 0.35, End: 0.42, Confidence: 0.88},
			{Word: "silence", Start: 0.5, End: 1.25, Confidence: 0.75},
		},
	}
	if err := got.AttachTranscript(tr, base.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := got.MarkCompleted([]string{"/out/a.mp4", "/out/a.srt"}, base.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, got)

	again, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	AssertEqual(t, again, got)
}

func testSaveAdvancesVersion(t *testing.T, s domain.JobStore) {
	job := NewJob(t, 1, 0)
	mustSave(t, s, job)
	if job.Version() != 1 {
		t.Errorf("Version() after insert = %d, want 1", job.Version())
	}
	if err := job.MarkQueued(base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, job)
	if job.Version() != 2 {
		t.Errorf("Version() after update = %d, want 2", job.Version())
	}
}

func testOverwrite(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	job := NewJob(t, 1, 0)
	mustSave(t, s, job)
	if err := job.MarkFailed("no audio track", base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, job)

	got, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status() != domain.StatusFailed {
		t.Errorf("Status() = %q, want %q", got.Status(), domain.StatusFailed)
	}
	if got.FailureReason() != "no audio track" {
		t.Errorf("FailureReason() = %q", got.FailureReason())
	}
	if !got.UpdatedAt().Equal(base.Add(time.Minute)) {
		t.Errorf("UpdatedAt() = %v, want %v", got.UpdatedAt(), base.Add(time.Minute))
	}
}

func testStaleSave(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	job := NewJob(t, 1, 0)
	mustSave(t, s, job)

	a, _ := s.Get(ctx, job.ID())
	b, _ := s.Get(ctx, job.ID())

	if err := a.MarkProcessing(base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, a)

	if err := b.MarkQueued(base.Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	err := s.Save(ctx, b)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale Save() error = %v, want %v", err, domain.ErrConflict)
	}
	if !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("conflict %v is not a persistence error", err)
	}

	got, _ := s.Get(ctx, job.ID())
	if got.Status() != domain.StatusProcessing {
		t.Errorf("Status() = %q, want %q (stale write must not land)", got.Status(), domain.StatusProcessing)
	}
}

func testDuplicateInsert(t *testing.T, s domain.JobStore) {
	job := NewJob(t, 1, 0)
	mustSave(t, s, job)

	dup, err := domain.RestoreJob(job.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	dup.SetVersion(0)
	if err := s.Save(context.Background(), dup); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate insert error = %v, want %v", err, domain.ErrConflict)
	}
}

func testGetUnknown(t *testing.T, s domain.JobStore) {
	_, err := s.Get(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func testFindByOwner(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	a := NewJob(t, 10, 0)
	b := NewJob(t, 10, time.Second)
	c := NewJob(t, 11, 2*time.Second)
	// Insert out of creation order.
	mustSave(t, s, b)
	mustSave(t, s, c)
	mustSave(t, s, a)

	got, err := s.FindByOwner(ctx, 10)
	if err != nil {
		t.Fatalf("FindByOwner() error = %v", err)
	}
	if want := []uuid.UUID{a.ID(), b.ID()}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("FindByOwner() = %v, want %v", ids(got), want)
	}

	none, err := s.FindByOwner(ctx, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("FindByOwner(99) = %v, want empty", ids(none))
	}
}

func testFindByStatus(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	a := NewJob(t, 1, 0)
	b := NewJob(t, 2, time.Second)
	c := NewJob(t, 3, 2*time.Second)
	for _, j := range []*domain.Job{a, b, c} {
		mustSave(t, s, j)
	}
	if err := b.MarkProcessing(base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, b)

	uploaded, err := s.FindByStatus(ctx, domain.StatusUploaded)
	if err != nil {
		t.Fatalf("FindByStatus() error = %v", err)
	}
	if want := []uuid.UUID{a.ID(), c.ID()}; !reflect.DeepEqual(ids(uploaded), want) {
		t.Errorf("FindByStatus(Uploaded) = %v, want %v", ids(uploaded), want)
	}

	processing, err := s.FindByStatus(ctx, domain.StatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if want := []uuid.UUID{b.ID()}; !reflect.DeepEqual(ids(processing), want) {
		t.Errorf("FindByStatus(Processing) = %v, want %v", ids(processing), want)
	}
}

func testFindByStatusIdempotent(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	// Same creation instant so ordering falls back to ID.
	for range 5 {
		mustSave(t, s, NewJob(t, 1, 0))
	}

	first, err := s.FindByStatus(ctx, domain.StatusUploaded)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.FindByStatus(ctx, domain.StatusUploaded)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 5 {
		t.Errorf("FindByStatus() = %d jobs, want 5", len(first))
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Errorf("FindByStatus() not stable:\n%v\n%v", ids(first), ids(second))
	}
}

func testDelete(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	job := NewJob(t, 1, 0)
	mustSave(t, s, job)

	if err := s.Delete(ctx, job.ID()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, job.ID()); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() after Delete() error = %v, want %v", err, domain.ErrJobNotFound)
	}
	if got, _ := s.FindByOwner(ctx, 1); len(got) != 0 {
		t.Errorf("FindByOwner() after Delete() = %v", ids(got))
	}
	if got, _ := s.FindByStatus(ctx, domain.StatusUploaded); len(got) != 0 {
		t.Errorf("FindByStatus() after Delete() = %v", ids(got))
	}
	if err := s.Delete(ctx, job.ID()); err != nil {
		t.Errorf("Delete() of absent job error = %v", err)
	}
}

func testConcurrentSaves(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	job := NewJob(t, 1, 0)
	mustSave(t, s, job)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.Get(ctx, job.ID())
			if err != nil {
				results <- err
				return
			}
			if err := j.MarkFailed("writer", base.Add(time.Duration(i+1)*time.Second)); err != nil {
				results <- err
				return
			}
			results <- s.Save(ctx, j)
		}()
	}
	wg.Wait()
	close(results)

	var won int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d concurrent saves from version 1 won, want 1", won)
	}

	got, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Version() != 2 {
		t.Errorf("Version() = %d, want 2", got.Version())
	}
}

func testPing(t *testing.T, s domain.JobStore) {
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func testClaimPersists(t *testing.T, s domain.JobStore) {
	ctx := context.Background()

	job := NewJob(t, 1, 0)
	if err := job.MarkProcessing(base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, job)

	got, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.ClaimedAt().IsZero() {
		t.Errorf("ClaimedAt() of unclaimed job = %v, want zero", got.ClaimedAt())
	}

	if err := got.Claim(base.Add(2*time.Second), time.Hour); err != nil {
		t.Fatal(err)
	}
	mustSave(t, s, got)

	// A second worker reading the record sees the claim and is refused.
	other, err := s.Get(ctx, job.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	AssertEqual(t, other, got)
	if err := other.Claim(base.Add(3*time.Second), time.Hour); !errors.Is(err, domain.ErrJobClaimed) {
		t.Errorf("Claim() on reloaded job error = %v, want %v", err, domain.ErrJobClaimed)
	}
}
