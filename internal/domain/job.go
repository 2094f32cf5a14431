package domain

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a video job.
type JobStatus string

const (
	StatusUploaded   JobStatus = "Uploaded"
	StatusQueued     JobStatus = "Queued"
	StatusProcessing JobStatus = "Processing"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
)

// transitions lists the legal edges of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusUploaded:   {StatusQueued, StatusProcessing, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return slices.Contains(transitions[s], next)
}

// ParseJobStatus converts a stored or user supplied value into a JobStatus.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if !s.Valid() {
		return "", invalid("status", "unknown status %q", v)
	}
	return s, nil
}

// WordSegment is a single recognised word with its timing.
type WordSegment struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the speech-to-text result attached to a job.
type Transcript struct {
	FullText string        `json:"full_text"`
	Words    []WordSegment `json:"words"`
}

// Validate checks segment timing and confidence bounds.
func (t Transcript) Validate() error {
	for i, w := range t.Words {
		if w.Start < 0 || w.End < w.Start {
			return invalid("transcript", "word %d has invalid timing %.3f-%.3f", i, w.Start, w.End)
		}
		if w.Confidence < 0 || w.Confidence > 1 {
			return invalid("transcript", "word %d has confidence %.3f outside [0,1]", i, w.Confidence)
		}
	}
	return nil
}

func (t *Transcript) clone() *Transcript {
	if t == nil {
		return nil
	}
	c := *t
	c.Words = slices.Clone(t.Words)
	return &c
}

var resolutionPattern = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// Formats lists the supported output containers.
var Formats = []string{"mp4", "mov", "mkv", "webm"}

// RenderSettings controls output generation.
type RenderSettings struct {
	Resolution string `json:"resolution" toml:"resolution"`
	Format     string `json:"format" toml:"format"`
}

// DefaultRenderSettings returns the settings used when a job does not
// override them.
func DefaultRenderSettings() RenderSettings {
	return RenderSettings{Resolution: "1920x1080", Format: "mp4"}
}

// Validate checks resolution shape and container format.
func (r RenderSettings) Validate() error {
	if !resolutionPattern.MatchString(r.Resolution) {
		return invalid("render_settings.resolution", "%q is not WIDTHxHEIGHT", r.Resolution)
	}
	if !slices.Contains(Formats, r.Format) {
		return invalid("render_settings.format", "%q is not one of %v", r.Format, Formats)
	}
	return nil
}

// Job is a single video's processing lifecycle. Its fields change only
// through the Mark* transitions, each of which either fully applies or
// leaves the job untouched.
type Job struct {
	id             uuid.UUID
	owner          int64
	inputLocation  string
	status         JobStatus
	transcript     *Transcript
	renderSettings RenderSettings
	outputs        []string
	failureReason  string
	createdAt      time.Time
	updatedAt      time.Time
	claimedAt      time.Time // zero while no worker has picked the job up
	version        int64
}

// NewJob builds a job in the Uploaded state with a fresh identifier.
func NewJob(owner int64, inputLocation string, settings RenderSettings, now time.Time) (*Job, error) {
	if owner <= 0 {
		return nil, invalid("owner", "must be positive, got %d", owner)
	}
	if inputLocation == "" {
		return nil, invalid("input_location", "must not be empty")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	ts := stamp(now)
	return &Job{
		id:             uuid.New(),
		owner:          owner,
		inputLocation:  inputLocation,
		status:         StatusUploaded,
		renderSettings: settings,
		createdAt:      ts,
		updatedAt:      ts,
	}, nil
}

func (j *Job) ID() uuid.UUID                  { return j.id }
func (j *Job) Owner() int64                   { return j.owner }
func (j *Job) InputLocation() string          { return j.inputLocation }
func (j *Job) Status() JobStatus              { return j.status }
func (j *Job) Transcript() *Transcript        { return j.transcript.clone() }
func (j *Job) RenderSettings() RenderSettings { return j.renderSettings }
func (j *Job) OutputLocations() []string      { return slices.Clone(j.outputs) }
func (j *Job) FailureReason() string          { return j.failureReason }
func (j *Job) CreatedAt() time.Time           { return j.createdAt }
func (j *Job) UpdatedAt() time.Time           { return j.updatedAt }
func (j *Job) ClaimedAt() time.Time           { return j.claimedAt }

// Version is the optimistic concurrency counter maintained by JobStore.
// Zero means the job has never been saved.
func (j *Job) Version() int64 { return j.version }

// SetVersion records the version a store committed. Only JobStore
// implementations call it.
func (j *Job) SetVersion(v int64) { j.version = v }

// MarkQueued moves an Uploaded job to Queued.
func (j *Job) MarkQueued(now time.Time) error {
	if err := j.transition("queue", StatusQueued); err != nil {
		return err
	}
	j.touch(now)
	return nil
}

// MarkProcessing moves an Uploaded or Queued job to Processing.
func (j *Job) MarkProcessing(now time.Time) error {
	if err := j.transition("begin processing", StatusProcessing); err != nil {
		return err
	}
	j.touch(now)
	return nil
}

// MarkCompleted moves a Processing job to Completed with its outputs.
func (j *Job) MarkCompleted(outputs []string, now time.Time) error {
	if !j.status.CanTransitionTo(StatusCompleted) {
		return &TransitionError{Op: "complete", From: j.status}
	}
	if len(outputs) == 0 {
		return invalid("output_locations", "must not be empty")
	}
	for i, o := range outputs {
		if o == "" {
			return invalid("output_locations", "entry %d is empty", i)
		}
	}
	j.status = StatusCompleted
	j.outputs = slices.Clone(outputs)
	j.touch(now)
	return nil
}

// MarkFailed moves any non-terminal job to Failed.
func (j *Job) MarkFailed(reason string, now time.Time) error {
	if err := j.transition("fail", StatusFailed); err != nil {
		return err
	}
	j.failureReason = reason
	j.touch(now)
	return nil
}

// AttachTranscript stores the transcription result of a Processing job.
func (j *Job) AttachTranscript(t Transcript, now time.Time) error {
	if j.status != StatusProcessing {
		return &TransitionError{Op: "attach transcript to", From: j.status}
	}
	if err := t.Validate(); err != nil {
		return err
	}
	j.transcript = (&t).clone()
	j.touch(now)
	return nil
}

// Claim records that a worker is running a Processing job. Another claim is
// refused until lease has passed since this one.
func (j *Job) Claim(now time.Time, lease time.Duration) error {
	if j.status != StatusProcessing {
		return &TransitionError{Op: "claim", From: j.status}
	}
	if until := j.claimedAt.Add(lease); !j.claimedAt.IsZero() && stamp(now).Before(until) {
		return fmt.Errorf("%w: %s until %s", ErrJobClaimed, j.id, until.Format(time.RFC3339))
	}
	j.touch(now)
	j.claimedAt = j.updatedAt
	return nil
}

// Stalled reports whether a Processing job has no worker on it: it is
// unclaimed and untouched for grace, or its claim is older than lease.
func (j *Job) Stalled(now time.Time, grace, lease time.Duration) bool {
	if j.status != StatusProcessing {
		return false
	}
	now = stamp(now)
	if j.claimedAt.IsZero() {
		return !now.Before(j.updatedAt.Add(grace))
	}
	return !now.Before(j.claimedAt.Add(lease))
}

func (j *Job) transition(op string, next JobStatus) error {
	if !j.status.CanTransitionTo(next) {
		return &TransitionError{Op: op, From: j.status}
	}
	j.status = next
	return nil
}

func (j *Job) touch(now time.Time) {
	ts := stamp(now)
	if ts.Before(j.createdAt) {
		ts = j.createdAt
	}
	j.updatedAt = ts
}

// stamp normalises timestamps to UTC microseconds, the finest resolution
// every store keeps.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// JobSnapshot is the plain persisted form of a Job.
type JobSnapshot struct {
	ID              uuid.UUID
	Owner           int64
	InputLocation   string
	Status          JobStatus
	Transcript      *Transcript
	RenderSettings  RenderSettings
	OutputLocations []string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClaimedAt       time.Time
	Version         int64
}

// Snapshot copies the job into its persisted form.
func (j *Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		ID:              j.id,
		Owner:           j.owner,
		InputLocation:   j.inputLocation,
		Status:          j.status,
		Transcript:      j.transcript.clone(),
		RenderSettings:  j.renderSettings,
		OutputLocations: slices.Clone(j.outputs),
		FailureReason:   j.failureReason,
		CreatedAt:       j.createdAt,
		UpdatedAt:       j.updatedAt,
		ClaimedAt:       j.claimedAt,
		Version:         j.version,
	}
}

// RestoreJob rebuilds a job read back from storage, rejecting records that
// break the entity invariants.
func RestoreJob(s JobSnapshot) (*Job, error) {
	if s.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: restore job: nil id", ErrPersistence)
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: restore job %s: unknown status %q", ErrPersistence, s.ID, s.Status)
	}
	if (len(s.OutputLocations) > 0) != (s.Status == StatusCompleted) {
		return nil, fmt.Errorf("%w: restore job %s: %d outputs in status %s", ErrPersistence, s.ID, len(s.OutputLocations), s.Status)
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return nil, fmt.Errorf("%w: restore job %s: updated_at before created_at", ErrPersistence, s.ID)
	}
	var outputs []string
	if len(s.OutputLocations) > 0 {
		outputs = slices.Clone(s.OutputLocations)
	}
	var claimedAt time.Time
	if !s.ClaimedAt.IsZero() {
		claimedAt = stamp(s.ClaimedAt)
	}
	return &Job{
		id:             s.ID,
		owner:          s.Owner,
		inputLocation:  s.InputLocation,
		status:         s.Status,
		transcript:     s.Transcript.clone(),
		renderSettings: s.RenderSettings,
		outputs:        outputs,
		failureReason:  s.FailureReason,
		createdAt:      stamp(s.CreatedAt),
		updatedAt:      stamp(s.UpdatedAt),
		claimedAt:      claimedAt,
		version:        s.Version,
	}, nil
}
