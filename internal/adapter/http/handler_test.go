package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobService struct {
	submit func(ctx context.Context, kind domain.JobKind, source, key string) (*domain.Job, error)
	status func(ctx context.Context, id string) (*domain.Job, error)
	cancel func(ctx context.Context, id string) error
}

func (f *fakeJobService) Submit(ctx context.Context, kind domain.JobKind, source, key string) (*domain.Job, error) {
	return f.submit(ctx, kind, source, key)
}

func (f *fakeJobService) Status(ctx context.Context, id string) (*domain.Job, error) {
	return f.status(ctx, id)
}

func (f *fakeJobService) Cancel(ctx context.Context, id string) error {
	return f.cancel(ctx, id)
}

func sampleJob(state domain.JobState) *domain.Job {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Job{
		ID:        "job-1",
		Kind:      domain.JobKindRemoteFetch,
		Source:    "https://example.com/v/1",
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func doRequest(t *testing.T, svc JobService, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	NewServer(svc, service.NewEventBus()).ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobResponse {
	t.Helper()
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmitJob_Created(t *testing.T) {
	svc := &fakeJobService{
		submit: func(_ context.Context, kind domain.JobKind, source, key string) (*domain.Job, error) {
			assert.Equal(t, domain.JobKindRemoteFetch, kind)
			assert.Equal(t, "https://example.com/v/1", source)
			assert.Equal(t, "key-1", key)
			return sampleJob(domain.JobStatePending), nil
		},
	}

	rec := doRequest(t, svc, http.MethodPost, "/jobs",
		`{"kind":"remote-fetch","source":"https://example.com/v/1","idempotency_key":"key-1"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeJob(t, rec)
	assert.Equal(t, "job-1", resp.ID)
	assert.Equal(t, "pending", resp.State)
	assert.Equal(t, "2025-06-01T12:00:00Z", resp.CreatedAt)
	assert.NotNil(t, resp.Manifest)
}

func TestSubmitJob_BadRequests(t *testing.T) {
	svc := &fakeJobService{
		submit: func(context.Context, domain.JobKind, string, string) (*domain.Job, error) {
			t.Fatal("submit must not be reached")
			return nil, nil
		},
	}

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"kind":`},
		{"unknown kind", `{"kind":"torrent","source":"https://example.com/v"}`},
		{"empty source", `{"kind":"remote-fetch","source":""}`},
		{"ftp url", `{"kind":"remote-fetch","source":"ftp://example.com/v"}`},
		{"traversing upload", `{"kind":"upload","source":"../../etc/passwd"}`},
		{"absolute upload", `{"kind":"upload","source":"/etc/passwd"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, svc, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestSubmitJob_DuplicateConflict(t *testing.T) {
	svc := &fakeJobService{
		submit: func(context.Context, domain.JobKind, string, string) (*domain.Job, error) {
			return nil, domain.ErrDuplicateJob
		},
	}

	rec := doRequest(t, svc, http.MethodPost, "/jobs",
		`{"kind":"remote-fetch","source":"https://example.com/v/1","idempotency_key":"key-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitJob_InternalError(t *testing.T) {
	svc := &fakeJobService{
		submit: func(context.Context, domain.JobKind, string, string) (*domain.Job, error) {
			return nil, fmt.Errorf("disk on fire")
		},
	}

	rec := doRequest(t, svc, http.MethodPost, "/jobs",
		`{"kind":"remote-fetch","source":"https://example.com/v/1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal detail never leaks to the client.
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestJobStatus_OK(t *testing.T) {
	job := sampleJob(domain.JobStateCompleted)
	job.Title = "talk"
	job.Manifest = []domain.Segment{
		{JobID: job.ID, Seq: 0, Path: "/segments/job-1/segment_00000.mp3", Duration: 60, Size: 1024, Checksum: "aa"},
		{JobID: job.ID, Seq: 1, Path: "/segments/job-1/segment_00001.mp3", Duration: 42.5, Size: 900, Checksum: "bb"},
	}
	svc := &fakeJobService{
		status: func(_ context.Context, id string) (*domain.Job, error) {
			assert.Equal(t, "job-1", id)
			return job, nil
		},
	}

	rec := doRequest(t, svc, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJob(t, rec)
	assert.Equal(t, "completed", resp.State)
	assert.Equal(t, "talk", resp.Title)
	require.Len(t, resp.Manifest, 2)
	assert.Equal(t, 1, resp.Manifest[1].Seq)
	assert.InDelta(t, 42.5, resp.Manifest[1].Duration, 0.001)
}

func TestJobStatus_NotFound(t *testing.T) {
	svc := &fakeJobService{
		status: func(context.Context, string) (*domain.Job, error) {
			return nil, domain.ErrNotFound
		},
	}

	rec := doRequest(t, svc, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob_Accepted(t *testing.T) {
	var got string
	svc := &fakeJobService{
		cancel: func(_ context.Context, id string) error {
			got = id
			return nil
		},
	}

	rec := doRequest(t, svc, http.MethodDelete, "/jobs/job-1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-1", got)
	assert.Contains(t, rec.Body.String(), "cancelling")
}

func TestCancelJob_TerminalConflict(t *testing.T) {
	svc := &fakeJobService{
		cancel: func(context.Context, string) error {
			return domain.ErrJobTerminal
		},
	}

	rec := doRequest(t, svc, http.MethodDelete, "/jobs/job-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJob_NotFound(t *testing.T) {
	svc := &fakeJobService{
		cancel: func(context.Context, string) error {
			return domain.ErrNotFound
		},
	}

	rec := doRequest(t, svc, http.MethodDelete, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SecurityHeaders(t *testing.T) {
	svc := &fakeJobService{
		status: func(context.Context, string) (*domain.Job, error) {
			return sampleJob(domain.JobStatePending), nil
		},
	}

	rec := doRequest(t, svc, http.MethodGet, "/jobs/job-1", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestSubmitJob_ErrorBodyIsJSON(t *testing.T) {
	svc := &fakeJobService{}

	rec := doRequest(t, svc, http.MethodPost, "/jobs", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.Contains(resp.Error, "invalid"))
}
