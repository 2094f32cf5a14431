// Package redis implements domain.JobStore and domain.TaskQueue on Redis.
//
// Each job is a JSON string under oneclick:job:{id}. Sets per owner and per
// status index the IDs; writes run in a WATCH/MULTI transaction so the
// record and its index entries change together.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.NewStore(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cwygoda/oneclick/internal/domain"
)

var _ domain.JobStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a JobStore backed by Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// NewStore creates a Redis-backed store. The caller owns the client
// lifecycle.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (s *Store) Close() error { return nil }

// record is the stored JSON form of a job.
type record struct {
	ID              uuid.UUID             `json:"id"`
	Owner           int64                 `json:"owner"`
	InputLocation   string                `json:"input_location"`
	Status          domain.JobStatus      `json:"status"`
	Transcript      *domain.Transcript    `json:"transcript,omitempty"`
	RenderSettings  domain.RenderSettings `json:"render_settings"`
	OutputLocations []string              `json:"output_locations,omitempty"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	ClaimedAt       time.Time             `json:"claimed_at,omitzero"`
	Version         int64                 `json:"version"`
}

func toRecord(s domain.JobSnapshot) record {
	return record(s)
}

func (r record) job() (*domain.Job, error) {
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return domain.RestoreJob(domain.JobSnapshot(r))
}

// Save writes the job if the stored version still matches, under WATCH.
func (s *Store) Save(ctx context.Context, job *domain.Job) error {
	snap := job.Snapshot()
	id := snap.ID.String()
	key := jobKey(id)

	next := toRecord(snap)
	next.Version = snap.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: encode job %s: %w", domain.ErrPersistence, id, err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		var prev *record
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			prev = &record{}
			if err := json.Unmarshal(raw, prev); err != nil {
				return fmt.Errorf("decode job %s: %w", id, err)
			}
		}

		if (prev == nil && snap.Version != 0) || (prev != nil && prev.Version != snap.Version) {
			return fmt.Errorf("%w: job %s at version %d", domain.ErrConflict, id, snap.Version)
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.SAdd(ctx, ownerKey(snap.Owner), id)
			if prev != nil && prev.Status != snap.Status {
				p.SRem(ctx, statusKey(string(prev.Status)), id)
			}
			p.SAdd(ctx, statusKey(string(snap.Status)), id)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		job.SetVersion(next.Version)
		return nil
	case errors.Is(err, domain.ErrConflict):
		return err
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("%w: job %s modified concurrently", domain.ErrConflict, id)
	default:
		return fmt.Errorf("%w: redis save job %s: %w", domain.ErrPersistence, id, err)
	}
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(id.String())).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get job %s: %w", domain.ErrPersistence, id, err)
	}
	return decode(raw)
}

// FindByOwner returns the owner's jobs in creation order.
func (s *Store) FindByOwner(ctx context.Context, owner int64) ([]*domain.Job, error) {
	return s.findIn(ctx, ownerKey(owner))
}

// FindByStatus returns jobs in status, in creation order.
func (s *Store) FindByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.findIn(ctx, statusKey(string(status)))
}

// Delete removes the job and its index entries.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	key := jobKey(id.String())
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, ownerKey(r.Owner), id.String())
			p.SRem(ctx, statusKey(string(r.Status)), id.String())
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("%w: redis delete job %s: %w", domain.ErrPersistence, id, err)
	}
	return nil
}

func (s *Store) findIn(ctx context.Context, setKey string) ([]*domain.Job, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis smembers %s: %w", domain.ErrPersistence, setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis mget: %w", domain.ErrPersistence, err)
	}

	jobs := make([]*domain.Job, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived its record.
			s.logger.Debug("dangling index entry", "set", setKey, "job_id", ids[i])
			continue
		}
		job, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if !a.CreatedAt().Equal(b.CreatedAt()) {
			return a.CreatedAt().Before(b.CreatedAt())
		}
		ai, bi := a.ID(), b.ID()
		return bytes.Compare(ai[:], bi[:]) < 0
	})
	return jobs, nil
}

func decode(raw []byte) (*domain.Job, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: decode job: %w", domain.ErrPersistence, err)
	}
	return r.job()
}
