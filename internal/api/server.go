// Package api exposes the build pipeline over HTTP: build submission,
// status, cancellation, a live SSE event stream and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codegrove/appforge/internal/appforge"
	"github.com/codegrove/appforge/internal/event"
	"github.com/codegrove/appforge/internal/pipeline"
)

type Server struct {
	orchestrator *pipeline.Orchestrator
	bus          *event.Bus
	registry     *prometheus.Registry
}

func NewServer(orch *pipeline.Orchestrator, bus *event.Bus, registry *prometheus.Registry) *Server {
	return &Server{
		orchestrator: orch,
		bus:          bus,
		registry:     registry,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))
	r.Route("/api", func(r chi.Router) {
		r.Route("/builds", func(r chi.Router) {
			r.Post("/", s.createBuild)
			r.Get("/{id}", s.getBuild)
			r.Post("/{id}/cancel", s.cancelBuild)
			r.Get("/{id}/events", s.streamBuildEvents)
		})
	})
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) createBuild(w http.ResponseWriter, r *http.Request) {
	var req appforge.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	buildID, err := s.orchestrator.Start(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"build_id": buildID,
		"status":   string(appforge.StatusPending),
	})
}

// buildResponse is the wire view of a build's state.
type buildResponse struct {
	BuildID         string         `json:"build_id"`
	ProjectID       string         `json:"project_id"`
	Status          string         `json:"status"`
	CurrentStage    int            `json:"current_stage"`
	CompletedStages []int          `json:"completed_stages"`
	FailedStage     *int           `json:"failed_stage,omitempty"`
	Error           string         `json:"error,omitempty"`
	Artifacts       map[string]any `json:"artifacts"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	build, err := s.orchestrator.Status(buildID)
	if err != nil {
		if errors.Is(err, pipeline.ErrBuildNotFound) {
			http.Error(w, "build not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := buildResponse{
		BuildID:         build.BuildID,
		ProjectID:       build.ProjectID,
		Status:          string(build.Status),
		CurrentStage:    build.CurrentStage,
		CompletedStages: build.CompletedStages,
		FailedStage:     build.FailedStage,
		StartedAt:       build.StartedAt,
		Artifacts:       map[string]any{},
	}
	if build.Error != nil {
		resp.Error = build.Error.Error()
	}
	if !build.EndedAt.IsZero() {
		ended := build.EndedAt
		resp.EndedAt = &ended
	}
	for stageID, arts := range build.Artifacts {
		names := make([]string, 0, len(arts))
		for name := range arts {
			names = append(names, name)
		}
		resp.Artifacts[fmt.Sprintf("%d", stageID)] = names
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	if err := s.orchestrator.Cancel(buildID); err != nil {
		if errors.Is(err, pipeline.ErrBuildNotFound) {
			http.Error(w, "build not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"build_id": buildID,
		"status":   "cancelling",
	})
}

// streamBuildEvents live-streams the build's bus events as SSE frames. The
// stream ends after a terminal pipeline event or client disconnect.
func (s *Server) streamBuildEvents(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	if _, err := s.orchestrator.Status(buildID); err != nil {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events := s.bus.Channel(r.Context(), 64)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.BuildID != buildID {
				continue
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if terminalEvent(ev.Type) {
				return
			}
		}
	}
}

func terminalEvent(t event.Type) bool {
	return t == event.PipelineCompleted || t == event.PipelineFailed || t == event.PipelineCancelled
}

// writeSSEEvent writes a single event as an SSE frame with the event id.
func writeSSEEvent(w http.ResponseWriter, ev event.Event) {
	data, _ := json.Marshal(ev.Payload)
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
