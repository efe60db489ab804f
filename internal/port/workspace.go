package port

import "github.com/bnema/segmentd/internal/domain"

// Workspaces owns the per-job directory trees under the downloads and
// segments roots. Allocate and Release are safe to call concurrently for
// distinct job IDs; Release is idempotent.
type Workspaces interface {
	Allocate(jobID string, kind domain.JobKind) (domain.Workspace, error)
	Release(jobID string) error
	ReleaseDownloads(jobID string) error
}
