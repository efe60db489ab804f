package http

import (
	"net/http"

	"github.com/bnema/segmentd/internal/adapter/http/middleware"
	"github.com/bnema/segmentd/internal/service"
)

// Server is the boundary layer: submit, status, cancel, plus an SSE stream
// of state transitions per job.
type Server struct {
	mux      *http.ServeMux
	handlers *Handlers
	sse      *SSEHandler
}

func NewServer(jobSvc JobService, eventBus *service.EventBus) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		handlers: NewHandlers(jobSvc),
		sse:      NewSSEHandler(eventBus, jobSvc),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /jobs", s.handlers.SubmitJob())
	s.mux.HandleFunc("GET /jobs/{id}", s.handlers.JobStatus())
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handlers.CancelJob())
	s.mux.HandleFunc("GET /jobs/{id}/events", s.sse.Events())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	middleware.SecurityHeaders(s.mux).ServeHTTP(w, r)
}
