package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/oneclick/internal/domain"
)

func TestQueue_FIFO(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "render")
	ctx := context.Background()

	want := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range want {
		if err := q.Dispatch(ctx, id); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}

	for i, w := range want {
		got, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if got != w {
			t.Errorf("Receive() #%d = %s, want %s", i, got, w)
		}
	}
}

func TestQueue_ReceiveHonorsContext(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "render", WithPollInterval(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_DropsMalformedEntries(t *testing.T) {
	mr, client := newTestClient(t)
	q := NewQueue(client, "render")

	id := uuid.New()
	mr.Lpush(queueKey("render"), id.String())
	mr.Lpush(queueKey("render"), "garbage")

	// "garbage" sits at the head, id at the tail; push order puts id first out.
	got, err := q.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("Receive() = %s, want %s", got, id)
	}

	mr.Lpush(queueKey("render"), "garbage")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() after malformed entry error = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_Closed(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "render")
	q.Close()

	if err := q.Dispatch(context.Background(), uuid.New()); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Dispatch() error = %v, want ErrQueueClosed", err)
	}
	if _, err := q.Receive(context.Background()); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Receive() error = %v, want ErrQueueClosed", err)
	}
}
