package port

import (
	"context"
	"time"

	"github.com/bnema/segmentd/internal/domain"
)

// Ledger is the durable, authoritative record of job state and manifests.
// Transition is a compare-and-swap: it is the only concurrency-control
// primitive protecting shared job state across workers.
type Ledger interface {
	Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Transition(ctx context.Context, id string, from, to domain.JobState, detail string) error
	AppendSegment(ctx context.Context, seg domain.Segment) error
	SetTitle(ctx context.Context, id, title string) error
	RequestCancel(ctx context.Context, id string) error
	NextPending(ctx context.Context) (*domain.Job, error)
	ListByStates(ctx context.Context, states ...domain.JobState) ([]*domain.Job, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*domain.Job, error)
}
