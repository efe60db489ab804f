package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/service"
)

// SSEHandler streams job state transitions to clients that prefer pushing
// over polling GET /jobs/{id}.
type SSEHandler struct {
	eventBus *service.EventBus
	jobSvc   JobService
}

func NewSSEHandler(eventBus *service.EventBus, jobSvc JobService) *SSEHandler {
	return &SSEHandler{
		eventBus: eventBus,
		jobSvc:   jobSvc,
	}
}

type jobEvent struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendJobEvent(w http.ResponseWriter, ev jobEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	sseWrite(w, "state", string(body))
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		job, err := h.jobSvc.Status(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "status failed")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		// Current state first, so late subscribers never miss the outcome.
		sendJobEvent(w, jobEvent{ID: job.ID, State: string(job.State), Detail: job.ErrorDetail})
		if job.State.Terminal() {
			<-r.Context().Done()
			return
		}

		ch := h.eventBus.Subscribe(id)
		defer h.eventBus.Unsubscribe(id, ch)

		ctx := r.Context()
		keepAlive := time.NewTicker(15 * time.Second)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case event, ok := <-ch:
				if !ok {
					return
				}
				sendJobEvent(w, jobEvent{ID: event.JobID, State: string(event.State), Detail: event.Detail})

				// Let the client close the connection once terminal.
				if event.State.Terminal() {
					<-ctx.Done()
					return
				}
			}
		}
	}
}
