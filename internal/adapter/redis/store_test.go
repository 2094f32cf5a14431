package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cwygoda/oneclick/internal/adapter/storetest"
	"github.com/cwygoda/oneclick/internal/domain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.JobStore {
		_, client := newTestClient(t)
		return NewStore(client)
	})
}

func TestStore_StatusIndexFollowsTransitions(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewStore(client)
	ctx := context.Background()

	job := storetest.NewJob(t, 9, 0)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkProcessing(job.CreatedAt()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	id := job.ID().String()
	if ok, _ := mr.SIsMember(statusKey("Uploaded"), id); ok {
		t.Error("job still indexed as Uploaded")
	}
	if ok, _ := mr.SIsMember(statusKey("Processing"), id); !ok {
		t.Error("job not indexed as Processing")
	}
	if ok, _ := mr.SIsMember(ownerKey(9), id); !ok {
		t.Error("job not indexed under owner")
	}

	if err := s.Delete(ctx, job.ID()); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{jobKey(id), statusKey("Processing"), ownerKey(9)} {
		if mr.Exists(key) {
			t.Errorf("key %s survived Delete()", key)
		}
	}
}

func TestStore_SkipsDanglingIndexEntries(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewStore(client)
	ctx := context.Background()

	job := storetest.NewJob(t, 3, 0)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := mr.SAdd(ownerKey(3), "7d6f0d35-3f0e-4b4c-9d55-6c1b7f7f4f10"); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindByOwner(ctx, 3)
	if err != nil {
		t.Fatalf("FindByOwner() error = %v", err)
	}
	if len(got) != 1 || got[0].ID() != job.ID() {
		t.Errorf("FindByOwner() = %d jobs, want only the stored one", len(got))
	}
}

func TestStore_CorruptRecord(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewStore(client)

	job := storetest.NewJob(t, 1, 0)
	if err := mr.Set(jobKey(job.ID().String()), "{not json"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Get(context.Background(), job.ID())
	if !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("Get() error = %v, want ErrPersistence", err)
	}
}

func TestStore_Unreachable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := NewStore(client)

	if err := s.Ping(context.Background()); !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("Ping() error = %v, want ErrPersistence", err)
	}
	if err := s.Save(context.Background(), storetest.NewJob(t, 1, 0)); !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("Save() error = %v, want ErrPersistence", err)
	}
}
