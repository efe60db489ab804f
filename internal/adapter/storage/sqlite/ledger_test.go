package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/bnema/segmentd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewLedger(store)
}

func createJob(t *testing.T, l *Ledger, id string, kind domain.JobKind) *domain.Job {
	t.Helper()
	job, err := l.Create(context.Background(), domain.JobSpec{
		ID:     id,
		Kind:   kind,
		Source: "https://example.com/media/" + id,
	})
	require.NoError(t, err)
	return job
}

func TestLedger_CreateAndGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	created := createJob(t, l, "job-1", domain.JobKindRemoteFetch)
	assert.Equal(t, domain.JobStatePending, created.State)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, domain.JobKindRemoteFetch, got.Kind)
	assert.Equal(t, domain.JobStatePending, got.State)
	assert.False(t, got.CancelRequested)
	assert.Empty(t, got.Manifest)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestLedger_Get_NotFound(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_Create_DuplicateIdempotencyKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	spec := domain.JobSpec{ID: "job-1", Kind: domain.JobKindRemoteFetch, Source: "https://example.com/a", IdempotencyKey: "key-1"}
	_, err := l.Create(ctx, spec)
	require.NoError(t, err)

	spec.ID = "job-2"
	_, err = l.Create(ctx, spec)
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestLedger_Create_NoKeyIsNotDuplicate(t *testing.T) {
	l := newTestLedger(t)

	createJob(t, l, "job-1", domain.JobKindUpload)
	createJob(t, l, "job-2", domain.JobKindUpload)
}

func TestLedger_Transition_CAS(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindRemoteFetch)

	err := l.Transition(ctx, "job-1", domain.JobStatePending, domain.JobStateAcquiring, "")
	require.NoError(t, err)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateAcquiring, got.State)
}

func TestLedger_Transition_StaleStateNeverMutates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindRemoteFetch)

	// A second worker racing on the same claim must lose.
	err := l.Transition(ctx, "job-1", domain.JobStateAcquiring, domain.JobStateSegmenting, "")
	assert.ErrorIs(t, err, domain.ErrStaleState)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, got.State)
	assert.Empty(t, got.ErrorDetail)
}

func TestLedger_Transition_InvalidEdge(t *testing.T) {
	l := newTestLedger(t)
	createJob(t, l, "job-1", domain.JobKindRemoteFetch)

	err := l.Transition(context.Background(), "job-1", domain.JobStatePending, domain.JobStateCompleted, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLedger_Transition_NotFound(t *testing.T) {
	l := newTestLedger(t)

	err := l.Transition(context.Background(), "missing", domain.JobStatePending, domain.JobStateAcquiring, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_Transition_PersistsDetail(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindUpload)

	detail := "transcode failed: ffmpeg exit 1: invalid data"
	require.NoError(t, l.Transition(ctx, "job-1", domain.JobStatePending, domain.JobStateFailed, detail))

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, detail, got.ErrorDetail)
}

func TestLedger_AppendSegment_Contiguous(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindUpload)

	for seq := 0; seq < 3; seq++ {
		err := l.AppendSegment(ctx, domain.Segment{
			JobID:    "job-1",
			Seq:      seq,
			Path:     "/segments/job-1/segment_0000" + string(rune('0'+seq)) + ".mp3",
			Duration: 60,
			Size:     1024,
			Checksum: "abc",
		})
		require.NoError(t, err)
	}

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.Manifest, 3)
	for i, seg := range got.Manifest {
		assert.Equal(t, i, seg.Seq)
	}
}

func TestLedger_AppendSegment_GapRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindUpload)

	require.NoError(t, l.AppendSegment(ctx, domain.Segment{JobID: "job-1", Seq: 0, Path: "a", Checksum: "x"}))

	err := l.AppendSegment(ctx, domain.Segment{JobID: "job-1", Seq: 2, Path: "c", Checksum: "x"})
	assert.ErrorIs(t, err, domain.ErrSequenceGap)

	// Duplicate index is also a gap violation.
	err = l.AppendSegment(ctx, domain.Segment{JobID: "job-1", Seq: 0, Path: "a", Checksum: "x"})
	assert.ErrorIs(t, err, domain.ErrSequenceGap)

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got.Manifest, 1)
}

func TestLedger_RequestCancel(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindRemoteFetch)

	require.NoError(t, l.RequestCancel(ctx, "job-1"))

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
}

func TestLedger_RequestCancel_TerminalRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindRemoteFetch)
	require.NoError(t, l.Transition(ctx, "job-1", domain.JobStatePending, domain.JobStateFailed, "boom"))

	err := l.RequestCancel(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobTerminal)
}

func TestLedger_RequestCancel_NotFound(t *testing.T) {
	l := newTestLedger(t)

	err := l.RequestCancel(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_NextPending(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	got, err := l.NextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	createJob(t, l, "job-1", domain.JobKindRemoteFetch)
	time.Sleep(5 * time.Millisecond)
	createJob(t, l, "job-2", domain.JobKindRemoteFetch)

	got, err = l.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.ID)

	// Claimed jobs drop out of the queue.
	require.NoError(t, l.Transition(ctx, "job-1", domain.JobStatePending, domain.JobStateAcquiring, ""))
	got, err = l.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-2", got.ID)
}

func TestLedger_ListByStates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	createJob(t, l, "job-1", domain.JobKindRemoteFetch)
	createJob(t, l, "job-2", domain.JobKindRemoteFetch)
	require.NoError(t, l.Transition(ctx, "job-2", domain.JobStatePending, domain.JobStateAcquiring, ""))

	jobs, err := l.ListByStates(ctx, domain.JobStateAcquiring, domain.JobStateSegmenting)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].ID)
}

func TestLedger_ListTerminalBefore(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	createJob(t, l, "job-1", domain.JobKindUpload)
	require.NoError(t, l.Transition(ctx, "job-1", domain.JobStatePending, domain.JobStateFailed, "x"))
	createJob(t, l, "job-2", domain.JobKindUpload)

	old, err := l.ListTerminalBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, old)

	recent, err := l.ListTerminalBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "job-1", recent[0].ID)
}

func TestLedger_SetTitle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createJob(t, l, "job-1", domain.JobKindRemoteFetch)

	require.NoError(t, l.SetTitle(ctx, "job-1", "Interview Episode 12"))

	got, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Interview Episode 12", got.Title)
}
