package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cwygoda/oneclick/internal/domain"
)

// encoded holds the column values that need conversion from a snapshot.
type encoded struct {
	transcript     []byte // nil encodes SQL NULL
	renderSettings []byte
	outputs        []string
	claimedAt      *time.Time // nil encodes SQL NULL
}

func encode(s domain.JobSnapshot) (encoded, error) {
	var e encoded
	var err error
	if s.Transcript != nil {
		if e.transcript, err = json.Marshal(s.Transcript); err != nil {
			return e, fmt.Errorf("%w: encode transcript: %w", domain.ErrPersistence, err)
		}
	}
	if e.renderSettings, err = json.Marshal(s.RenderSettings); err != nil {
		return e, fmt.Errorf("%w: encode render settings: %w", domain.ErrPersistence, err)
	}
	e.outputs = s.OutputLocations
	if e.outputs == nil {
		e.outputs = []string{}
	}
	if !s.ClaimedAt.IsZero() {
		e.claimedAt = &s.ClaimedAt
	}
	return e, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		snap   domain.JobSnapshot
		id     string
		status string
		e      encoded
	)
	err := row.Scan(&id, &snap.Owner, &snap.InputLocation, &status, &e.transcript,
		&e.renderSettings, &e.outputs, &snap.FailureReason, &snap.CreatedAt, &snap.UpdatedAt, &e.claimedAt, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres scan: %w", domain.ErrPersistence, err)
	}

	if snap.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: postgres scan id %q: %w", domain.ErrPersistence, id, err)
	}
	snap.Status = domain.JobStatus(status)
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	snap.OutputLocations = e.outputs
	if e.claimedAt != nil {
		snap.ClaimedAt = e.claimedAt.UTC()
	}

	if e.transcript != nil {
		snap.Transcript = &domain.Transcript{}
		if err := json.Unmarshal(e.transcript, snap.Transcript); err != nil {
			return nil, fmt.Errorf("%w: decode transcript of %s: %w", domain.ErrPersistence, id, err)
		}
	}
	if err := json.Unmarshal(e.renderSettings, &snap.RenderSettings); err != nil {
		return nil, fmt.Errorf("%w: decode render settings of %s: %w", domain.ErrPersistence, id, err)
	}

	return domain.RestoreJob(snap)
}
