package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/infrastructure/logger"
	"github.com/bnema/segmentd/internal/port"
	"github.com/google/uuid"
)

// Orchestrator drives jobs through pending -> acquiring -> segmenting ->
// completed. Every transition is committed to the ledger via compare-and-swap
// before the next stage runs, so a restart resumes each job from its last
// committed state. The ledger CAS is also the claim: no in-memory locks are
// shared across workers.
type Orchestrator struct {
	ledger     port.Ledger
	workspaces port.Workspaces
	fetcher    port.Fetcher
	segmenter  port.Segmenter
	eventBus   *EventBus
	uploadRoot string
	workers    int
	jobTTL     time.Duration

	resume chan *domain.Job

	// cancel funcs for in-flight jobs, so DELETE can stop an external
	// process before the next checkpoint would notice the flag.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewOrchestrator(
	ledger port.Ledger,
	workspaces port.Workspaces,
	fetcher port.Fetcher,
	segmenter port.Segmenter,
	eventBus *EventBus,
	uploadRoot string,
	workers int,
	jobTTL time.Duration,
) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		ledger:     ledger,
		workspaces: workspaces,
		fetcher:    fetcher,
		segmenter:  segmenter,
		eventBus:   eventBus,
		uploadRoot: uploadRoot,
		workers:    workers,
		jobTTL:     jobTTL,
		running:    make(map[string]context.CancelFunc),
	}
}

// Submit records a new job in state pending. Admission control is the worker
// pool: jobs beyond the concurrency limit simply wait in pending.
func (o *Orchestrator) Submit(ctx context.Context, kind domain.JobKind, source, idempotencyKey string) (*domain.Job, error) {
	spec := domain.JobSpec{
		ID:             uuid.NewString(),
		Kind:           kind,
		Source:         source,
		IdempotencyKey: idempotencyKey,
	}
	if spec.Kind == domain.JobKindUpload {
		resolved, err := o.resolveUploadSource(source)
		if err != nil {
			return nil, err
		}
		spec.Source = resolved
	}

	job, err := o.ledger.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	logger.Info.Printf("job %s submitted (kind=%s, source=%s)", job.ID, job.Kind, logger.SanitizeForLog(job.Source))
	return job, nil
}

func (o *Orchestrator) Status(ctx context.Context, id string) (*domain.Job, error) {
	return o.ledger.Get(ctx, id)
}

// Cancel persists the cancellation flag and interrupts the job's external
// process if one is running. The terminal cancelled state is committed by
// the owning worker at its next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if err := o.ledger.RequestCancel(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	cancel, inFlight := o.running[id]
	o.mu.Unlock()
	if inFlight {
		cancel()
	}

	logger.Info.Printf("job %s cancellation requested", id)
	return nil
}

// Start launches the worker pool and the TTL cleanup loop. Jobs left in
// acquiring or segmenting by a previous process are queued for re-dispatch
// at the stage matching their committed state.
func (o *Orchestrator) Start(ctx context.Context) error {
	stalled, err := o.ledger.ListByStates(ctx, domain.JobStateAcquiring, domain.JobStateSegmenting)
	if err != nil {
		return fmt.Errorf("list stalled jobs: %w", err)
	}

	o.resume = make(chan *domain.Job, len(stalled)+1)
	for _, job := range stalled {
		logger.Info.Printf("job %s: re-dispatching from committed state %s", job.ID, job.State)
		o.resume <- job
	}

	for i := range o.workers {
		go o.runWorker(ctx, i)
	}
	go o.runCleanup(ctx)

	logger.Info.Printf("started %d workers (%d jobs re-dispatched)", o.workers, len(stalled))
	return nil
}

func (o *Orchestrator) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			logger.Info.Printf("worker %d shutting down", id)
			return
		default:
		}

		var job *domain.Job
		select {
		case j := <-o.resume:
			job = j
		default:
		}

		if job == nil {
			j, err := o.ledger.NextPending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				logger.Error.Printf("worker %d: poll failed: %v", id, err)
				time.Sleep(2 * time.Second)
				continue
			}
			job = j
		}

		if job == nil {
			// No pending jobs, wait before polling again
			time.Sleep(500 * time.Millisecond)
			continue
		}

		logger.Info.Printf("worker %d: processing job %s (kind=%s, state=%s)", id, job.ID, job.Kind, job.State)
		o.processJob(ctx, job)
	}
}

func (o *Orchestrator) processJob(parent context.Context, job *domain.Job) {
	jobCtx, cancel := context.WithCancel(parent)
	defer cancel()

	o.mu.Lock()
	o.running[job.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
	}()

	switch job.State {
	case domain.JobStatePending:
		o.startPending(jobCtx, job)
	case domain.JobStateAcquiring:
		o.resumeAcquiring(jobCtx, job)
	case domain.JobStateSegmenting:
		o.resumeSegmenting(jobCtx, job)
	default:
		logger.Warn.Printf("job %s: nothing to do in state %s", job.ID, job.State)
	}
}

func (o *Orchestrator) startPending(ctx context.Context, job *domain.Job) {
	if o.cancelAtCheckpoint(job.ID, domain.JobStatePending) {
		return
	}

	ws, err := o.workspaces.Allocate(job.ID, job.Kind)
	if err != nil {
		o.fail(job.ID, domain.JobStatePending, err)
		return
	}

	if job.Kind == domain.JobKindRemoteFetch {
		// The CAS out of pending is the claim; a raced worker loses here.
		if !o.transition(job.ID, domain.JobStatePending, domain.JobStateAcquiring, "") {
			return
		}
		o.acquire(ctx, job, ws)
		return
	}

	// Upload jobs skip acquisition once the uploaded file is confirmed present.
	if _, err := os.Stat(job.Source); err != nil {
		o.fail(job.ID, domain.JobStatePending, fmt.Errorf("uploaded file not found: %s", job.Source))
		return
	}
	if !o.transition(job.ID, domain.JobStatePending, domain.JobStateSegmenting, "") {
		return
	}
	o.segment(ctx, job, job.Source, ws)
}

func (o *Orchestrator) resumeAcquiring(ctx context.Context, job *domain.Job) {
	if o.cancelAtCheckpoint(job.ID, domain.JobStateAcquiring) {
		return
	}

	// Partial downloads from the dead process are not trusted; start clean.
	if err := o.workspaces.ReleaseDownloads(job.ID); err != nil {
		o.fail(job.ID, domain.JobStateAcquiring, err)
		return
	}
	ws, err := o.workspaces.Allocate(job.ID, job.Kind)
	if err != nil {
		o.fail(job.ID, domain.JobStateAcquiring, err)
		return
	}
	o.acquire(ctx, job, ws)
}

func (o *Orchestrator) resumeSegmenting(ctx context.Context, job *domain.Job) {
	if o.cancelAtCheckpoint(job.ID, domain.JobStateSegmenting) {
		return
	}

	ws, err := o.workspaces.Allocate(job.ID, job.Kind)
	if err != nil {
		o.fail(job.ID, domain.JobStateSegmenting, err)
		return
	}

	input, err := o.findInput(job, ws)
	if err != nil {
		o.fail(job.ID, domain.JobStateSegmenting, err)
		return
	}
	o.segment(ctx, job, input, ws)
}

func (o *Orchestrator) acquire(ctx context.Context, job *domain.Job, ws domain.Workspace) {
	res, err := o.fetcher.Fetch(ctx, job.Source, ws.DownloadDir)
	if err != nil {
		if canceled(ctx, err) {
			o.interrupted(job.ID, domain.JobStateAcquiring)
			return
		}
		o.fail(job.ID, domain.JobStateAcquiring, err)
		return
	}

	if res.Title != "" {
		if err := o.ledger.SetTitle(context.Background(), job.ID, res.Title); err != nil {
			logger.Warn.Printf("job %s: record title: %v", job.ID, err)
		}
	}

	if o.cancelAtCheckpoint(job.ID, domain.JobStateAcquiring) {
		return
	}
	if !o.transition(job.ID, domain.JobStateAcquiring, domain.JobStateSegmenting, "") {
		return
	}
	o.segment(ctx, job, res.Path, ws)
}

func (o *Orchestrator) segment(ctx context.Context, job *domain.Job, inputPath string, ws domain.Workspace) {
	fresh, err := o.ledger.Get(context.Background(), job.ID)
	if err != nil {
		o.fail(job.ID, domain.JobStateSegmenting, err)
		return
	}
	startSeq := fresh.NextSeq()
	appended := startSeq

	err = o.segmenter.Segment(ctx, job.ID, inputPath, ws.SegmentDir, startSeq, func(seg domain.Segment) error {
		if err := o.ledger.AppendSegment(context.Background(), seg); err != nil {
			return err
		}
		appended++
		return nil
	})
	if err != nil {
		if canceled(ctx, err) {
			o.interrupted(job.ID, domain.JobStateSegmenting)
			return
		}
		o.fail(job.ID, domain.JobStateSegmenting, err)
		return
	}
	if appended == 0 {
		o.fail(job.ID, domain.JobStateSegmenting, fmt.Errorf("%w: zero segments produced", domain.ErrTranscodeFailed))
		return
	}

	if o.cancelAtCheckpoint(job.ID, domain.JobStateSegmenting) {
		return
	}
	if !o.transition(job.ID, domain.JobStateSegmenting, domain.JobStateCompleted, "") {
		return
	}

	// The manifest lives in the segments subtree; only the source download
	// is reclaimed now.
	if err := o.workspaces.ReleaseDownloads(job.ID); err != nil {
		logger.Warn.Printf("job %s: release downloads: %v", job.ID, err)
	}
	logger.Info.Printf("job %s completed with %d segments", job.ID, appended)
}

// findInput locates the segmentation input when resuming a job whose
// acquisition already completed.
func (o *Orchestrator) findInput(job *domain.Job, ws domain.Workspace) (string, error) {
	if job.Kind == domain.JobKindUpload {
		if _, err := os.Stat(job.Source); err != nil {
			return "", fmt.Errorf("uploaded file not found: %s", job.Source)
		}
		return job.Source, nil
	}

	entries, err := os.ReadDir(ws.DownloadDir)
	if err != nil {
		return "", fmt.Errorf("scan download dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") || strings.HasSuffix(e.Name(), ".ytdl") {
			continue
		}
		return filepath.Join(ws.DownloadDir, e.Name()), nil
	}
	return "", fmt.Errorf("downloaded source missing from workspace")
}

// cancelAtCheckpoint is the cooperative cancellation probe run at every
// state-transition boundary. It commits the terminal cancelled state and
// reclaims the workspace when the flag is set.
func (o *Orchestrator) cancelAtCheckpoint(jobID string, from domain.JobState) bool {
	job, err := o.ledger.Get(context.Background(), jobID)
	if err != nil {
		logger.Error.Printf("job %s: checkpoint read failed: %v", jobID, err)
		return false
	}
	if !job.CancelRequested {
		return false
	}
	o.commitCancelled(jobID, from)
	return true
}

// interrupted distinguishes an explicit cancellation from a service
// shutdown. Cancellation commits the terminal state; shutdown leaves the
// committed state untouched so the next process resumes the job.
func (o *Orchestrator) interrupted(jobID string, from domain.JobState) {
	if o.cancelAtCheckpoint(jobID, from) {
		return
	}
	logger.Info.Printf("job %s interrupted in %s, will resume on restart", jobID, from)
}

func (o *Orchestrator) commitCancelled(jobID string, from domain.JobState) {
	if !o.transition(jobID, from, domain.JobStateCancelled, "cancelled by request") {
		return
	}
	if err := o.workspaces.Release(jobID); err != nil {
		logger.Error.Printf("job %s: release workspace: %v", jobID, err)
	}
	logger.Info.Printf("job %s cancelled", jobID)
}

// fail commits the failed state with the error detail persisted verbatim,
// then reclaims the workspace. No error is silently dropped: every failure
// path in the pipeline ends here or in a retry decision inside a worker.
func (o *Orchestrator) fail(jobID string, from domain.JobState, cause error) {
	logger.Error.Printf("job %s failed in %s: %v", jobID, from, cause)
	if !o.transition(jobID, from, domain.JobStateFailed, cause.Error()) {
		return
	}
	if err := o.workspaces.Release(jobID); err != nil {
		logger.Error.Printf("job %s: release workspace: %v", jobID, err)
	}
}

func (o *Orchestrator) transition(jobID string, from, to domain.JobState, detail string) bool {
	err := o.ledger.Transition(context.Background(), jobID, from, to, detail)
	if err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			logger.Debug.Printf("job %s: lost transition %s -> %s", jobID, from, to)
		} else {
			logger.Error.Printf("job %s: transition %s -> %s: %v", jobID, from, to, err)
		}
		return false
	}
	if o.eventBus != nil {
		o.eventBus.Publish(Event{JobID: jobID, State: to, Detail: detail})
	}
	return true
}

// runCleanup reclaims workspaces of terminal jobs past the TTL.
func (o *Orchestrator) runCleanup(ctx context.Context) {
	if o.jobTTL <= 0 {
		return
	}

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expired, err := o.ledger.ListTerminalBefore(ctx, time.Now().Add(-o.jobTTL))
			if err != nil {
				logger.Error.Printf("cleanup: list expired jobs: %v", err)
				continue
			}
			for _, job := range expired {
				if err := o.workspaces.Release(job.ID); err != nil {
					logger.Error.Printf("cleanup: release %s: %v", job.ID, err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) resolveUploadSource(source string) (string, error) {
	if filepath.IsAbs(source) {
		return source, nil
	}
	clean := filepath.Clean(source)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: upload source escapes upload root", domain.ErrInvalidSpec)
	}
	return filepath.Join(o.uploadRoot, clean), nil
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
