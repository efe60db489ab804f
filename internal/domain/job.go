package domain

import (
	"fmt"
	"time"
)

type JobKind string

const (
	JobKindUpload      JobKind = "upload"
	JobKindRemoteFetch JobKind = "remote-fetch"
)

func (k JobKind) Valid() bool {
	return k == JobKindUpload || k == JobKindRemoteFetch
}

type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateAcquiring  JobState = "acquiring"
	JobStateSegmenting JobState = "segmenting"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// transitions holds the allowed state machine edges. failed is reachable from
// any non-terminal state, cancelled from pending/acquiring/segmenting.
var transitions = map[JobState][]JobState{
	JobStatePending:    {JobStateAcquiring, JobStateSegmenting, JobStateFailed, JobStateCancelled},
	JobStateAcquiring:  {JobStateSegmenting, JobStateFailed, JobStateCancelled},
	JobStateSegmenting: {JobStateCompleted, JobStateFailed, JobStateCancelled},
}

func (s JobState) CanTransitionTo(to JobState) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// JobSpec is the submission request for a new job. IdempotencyKey is optional;
// when set, a second submission with the same key is rejected as a duplicate.
type JobSpec struct {
	ID             string
	Kind           JobKind
	Source         string
	IdempotencyKey string
}

func (s JobSpec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, string(s.Kind))
	}
	if s.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidSpec)
	}
	return nil
}

type Job struct {
	ID              string
	Kind            JobKind
	Source          string
	Title           string
	State           JobState
	ErrorDetail     string
	IdempotencyKey  string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Manifest        []Segment
}

// NextSeq is the sequence index the next appended segment must carry.
func (j *Job) NextSeq() int {
	return len(j.Manifest)
}
