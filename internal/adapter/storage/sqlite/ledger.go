package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/port"
	"modernc.org/sqlite"
)

// Ledger is the durable job record. All writes are transactional; the
// compare-and-swap in Transition is what serializes workers racing on the
// same job, so no in-memory locks are held anywhere else.
type Ledger struct {
	db *sql.DB
}

func NewLedger(store *Store) *Ledger {
	return &Ledger{db: store.db}
}

const jobColumns = "id, kind, state, source, title, idempotency_key, error_message, cancel_requested, created_at, updated_at"

func (l *Ledger) Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := sql.NullString{String: spec.IdempotencyKey, Valid: spec.IdempotencyKey != ""}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, state, source, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		spec.ID,
		string(spec.Kind),
		string(domain.JobStatePending),
		spec.Source,
		key,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateJob
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return &domain.Job{
		ID:             spec.ID,
		Kind:           spec.Kind,
		Source:         spec.Source,
		State:          domain.JobStatePending,
		IdempotencyKey: spec.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := l.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	if err := l.loadManifest(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Transition performs the compare-and-swap state update. A mismatched from
// state never mutates the record.
func (l *Ledger) Transition(ctx context.Context, id string, from, to domain.JobState, detail string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(to),
		detail,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if n == 0 {
		var exists int
		if err := l.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("transition job: %w", err)
		}
		return fmt.Errorf("%w: job %s is not in %s", domain.ErrStaleState, id, from)
	}
	return nil
}

// AppendSegment enforces the manifest contiguity invariant at insert time:
// seq must be exactly one past the current maximum.
func (l *Ledger) AppendSegment(ctx context.Context, seg domain.Segment) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) FROM segments WHERE job_id = ?", seg.JobID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	if seg.Seq != maxSeq+1 {
		return fmt.Errorf("%w: got seq %d, want %d", domain.ErrSequenceGap, seg.Seq, maxSeq+1)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO segments (job_id, seq, path, duration, size, checksum)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seg.JobID, seg.Seq, seg.Path, seg.Duration, seg.Size, seg.Checksum,
	)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}

	return tx.Commit()
}

func (l *Ledger) RequestCancel(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND state IN (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		string(domain.JobStatePending),
		string(domain.JobStateAcquiring),
		string(domain.JobStateSegmenting),
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n == 0 {
		var state string
		if err := l.db.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("request cancel: %w", err)
		}
		return fmt.Errorf("%w: %s", domain.ErrJobTerminal, state)
	}
	return nil
}

// NextPending returns the oldest pending job, or nil when the queue is empty.
func (l *Ledger) NextPending(ctx context.Context) (*domain.Job, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE state = ? ORDER BY created_at LIMIT 1",
		string(domain.JobStatePending),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return job, nil
}

func (l *Ledger) ListByStates(ctx context.Context, states ...domain.JobState) ([]*domain.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE state IN ("+placeholders+") ORDER BY created_at", args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return l.collectJobs(ctx, rows)
}

func (l *Ledger) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE state IN (?, ?, ?) AND updated_at < ? ORDER BY updated_at",
		string(domain.JobStateCompleted),
		string(domain.JobStateFailed),
		string(domain.JobStateCancelled),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return l.collectJobs(ctx, rows)
}

func (l *Ledger) loadManifest(ctx context.Context, job *domain.Job) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id, seq, path, duration, size, checksum
		FROM segments WHERE job_id = ? ORDER BY seq`, job.ID)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var seg domain.Segment
		if err := rows.Scan(&seg.JobID, &seg.Seq, &seg.Path, &seg.Duration, &seg.Size, &seg.Checksum); err != nil {
			return fmt.Errorf("scan segment: %w", err)
		}
		job.Manifest = append(job.Manifest, seg)
	}
	return rows.Err()
}

func (l *Ledger) collectJobs(ctx context.Context, rows *sql.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if err := l.loadManifest(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job             domain.Job
		kind, state     string
		key             sql.NullString
		cancelRequested int64
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(&job.ID, &kind, &state, &job.Source, &job.Title, &key,
		&job.ErrorDetail, &cancelRequested, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	job.IdempotencyKey = key.String
	job.CancelRequested = cancelRequested != 0
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}

// SetTitle records the media title recovered during acquisition.
func (l *Ledger) SetTitle(ctx context.Context, id, title string) error {
	_, err := l.db.ExecContext(ctx, "UPDATE jobs SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY and SQLITE_CONSTRAINT_UNIQUE
		return serr.Code() == 1555 || serr.Code() == 2067
	}
	return false
}

var _ port.Ledger = (*Ledger)(nil)
