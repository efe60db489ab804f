package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/port"
)

// Manager owns the per-job subtrees under the three well-known roots.
// Filesystem mutation only; it never touches the network or the ledger.
type Manager struct {
	uploadRoot   string
	segmentRoot  string
	downloadRoot string
	minFreeBytes int64

	// statfs is swapped in tests to simulate a full disk.
	statfs func(path string, buf *syscall.Statfs_t) error
}

func NewManager(uploadRoot, segmentRoot, downloadRoot string, minFreeBytes int64) *Manager {
	return &Manager{
		uploadRoot:   uploadRoot,
		segmentRoot:  segmentRoot,
		downloadRoot: downloadRoot,
		minFreeBytes: minFreeBytes,
		statfs:       syscall.Statfs,
	}
}

// Allocate creates the isolated directory pair for a job. Upload jobs get no
// downloads subtree since their input already sits in the uploads root.
func (m *Manager) Allocate(jobID string, kind domain.JobKind) (domain.Workspace, error) {
	free, err := m.freeBytes(m.segmentRoot)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("check disk space: %w", err)
	}
	if free < m.minFreeBytes {
		return domain.Workspace{}, fmt.Errorf("%w: %d bytes free on %s", domain.ErrResourceExhausted, free, m.segmentRoot)
	}

	ws := domain.Workspace{
		SegmentDir: filepath.Join(m.segmentRoot, jobID),
	}
	if err := os.MkdirAll(ws.SegmentDir, 0755); err != nil {
		return domain.Workspace{}, fmt.Errorf("create segment workspace: %w", err)
	}

	if kind == domain.JobKindRemoteFetch {
		ws.DownloadDir = filepath.Join(m.downloadRoot, jobID)
		if err := os.MkdirAll(ws.DownloadDir, 0755); err != nil {
			_ = os.RemoveAll(ws.SegmentDir)
			return domain.Workspace{}, fmt.Errorf("create download workspace: %w", err)
		}
	}

	return ws, nil
}

// Release removes both subtrees. Idempotent: releasing an absent workspace
// is a no-op.
func (m *Manager) Release(jobID string) error {
	if err := m.ReleaseDownloads(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.segmentRoot, jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release segment workspace: %w", err)
	}
	return nil
}

// ReleaseDownloads reclaims only the downloads subtree, used after a job
// completes and its source file is no longer needed.
func (m *Manager) ReleaseDownloads(jobID string) error {
	if err := os.RemoveAll(filepath.Join(m.downloadRoot, jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release download workspace: %w", err)
	}
	return nil
}

func (m *Manager) freeBytes(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := m.statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * st.Bsize, nil
}

var _ port.Workspaces = (*Manager)(nil)
