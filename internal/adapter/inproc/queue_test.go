package inproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/oneclick/internal/domain"
)

func TestQueue_DispatchReceive(t *testing.T) {
	q := New()
	ctx := context.Background()

	want := []uuid.UUID{uuid.New(), uuid.New()}
	for _, id := range want {
		if err := q.Dispatch(ctx, id); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	for _, w := range want {
		got, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if got != w {
			t.Errorf("Receive() = %s, want %s", got, w)
		}
	}
}

func TestQueue_FullFailsFast(t *testing.T) {
	q := New(WithBuffer(1))
	ctx := context.Background()

	first := uuid.New()
	if err := q.Dispatch(ctx, first); err != nil {
		t.Fatal(err)
	}

	// No deadline on ctx: a full buffer must still return straight away.
	start := time.Now()
	if err := q.Dispatch(ctx, uuid.New()); !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("Dispatch() on full queue error = %v, want ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Dispatch() on full queue took %v", elapsed)
	}

	// The refused ID is not queued; draining frees the slot.
	got, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Errorf("Receive() = %s, want %s", got, first)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	if err := q.Dispatch(ctx, uuid.New()); err != nil {
		t.Errorf("Dispatch() after drain error = %v", err)
	}
}

func TestQueue_DispatchHonorsContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Dispatch(ctx, uuid.New()); !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch() error = %v, want Canceled", err)
	}
}

func TestQueue_ReceiveHonorsContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive() error = %v, want Canceled", err)
	}
}

func TestQueue_CloseWakesReceivers(t *testing.T) {
	q := New()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrQueueClosed) {
			t.Errorf("Receive() error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() still blocked after Close()")
	}

	if err := q.Dispatch(context.Background(), uuid.New()); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Dispatch() after Close() error = %v, want ErrQueueClosed", err)
	}
}
