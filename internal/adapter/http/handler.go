package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bnema/segmentd/internal/adapter/http/validation"
	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/infrastructure/logger"
)

const timeFormat = time.RFC3339

// JobService is the slice of the orchestrator the boundary needs.
type JobService interface {
	Submit(ctx context.Context, kind domain.JobKind, source, idempotencyKey string) (*domain.Job, error)
	Status(ctx context.Context, id string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) error
}

type Handlers struct {
	jobSvc JobService
}

func NewHandlers(jobSvc JobService) *Handlers {
	return &Handlers{jobSvc: jobSvc}
}

type submitRequest struct {
	Kind           string `json:"kind"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type jobResponse struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	State       string            `json:"state"`
	Source      string            `json:"source"`
	Title       string            `json:"title,omitempty"`
	ErrorDetail string            `json:"error,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	Manifest    []segmentResponse `json:"manifest"`
}

type segmentResponse struct {
	Seq      int     `json:"seq"`
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
	Checksum string  `json:"checksum"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) SubmitJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		kind := domain.JobKind(req.Kind)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "kind must be \"upload\" or \"remote-fetch\"")
			return
		}
		if err := validation.Source(kind, req.Source); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		job, err := h.jobSvc.Submit(r.Context(), kind, req.Source, req.IdempotencyKey)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrDuplicateJob):
				writeError(w, http.StatusConflict, "a job with this idempotency key already exists")
			case errors.Is(err, domain.ErrInvalidSpec):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				logger.Error.Printf("submit failed: %v", err)
				writeError(w, http.StatusInternalServerError, "submit failed")
			}
			return
		}

		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

func (h *Handlers) JobStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.jobSvc.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			logger.Error.Printf("status failed: %v", err)
			writeError(w, http.StatusInternalServerError, "status failed")
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

func (h *Handlers) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.jobSvc.Cancel(r.Context(), r.PathValue("id"))
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrNotFound):
				writeError(w, http.StatusNotFound, "job not found")
			case errors.Is(err, domain.ErrJobTerminal):
				writeError(w, http.StatusConflict, "job already in a terminal state")
			default:
				logger.Error.Printf("cancel failed: %v", err)
				writeError(w, http.StatusInternalServerError, "cancel failed")
			}
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func toJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		Kind:        string(job.Kind),
		State:       string(job.State),
		Source:      job.Source,
		Title:       job.Title,
		ErrorDetail: job.ErrorDetail,
		CreatedAt:   job.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:   job.UpdatedAt.UTC().Format(timeFormat),
		Manifest:    []segmentResponse{},
	}
	for _, seg := range job.Manifest {
		resp.Manifest = append(resp.Manifest, segmentResponse{
			Seq:      seg.Seq,
			Path:     seg.Path,
			Duration: seg.Duration,
			Size:     seg.Size,
			Checksum: seg.Checksum,
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
