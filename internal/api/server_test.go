package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codegrove/appforge/internal/artifact"
	"github.com/codegrove/appforge/internal/event"
	"github.com/codegrove/appforge/internal/pipeline"
	"github.com/codegrove/appforge/internal/prompt"
	"github.com/codegrove/appforge/internal/provider"
	"github.com/codegrove/appforge/internal/publish"
	"github.com/codegrove/appforge/internal/repository"
)

// newTestServer wires a server around an orchestrator with no model routes.
// Builds start fine and fail at the first AI stage, which is enough for
// exercising the HTTP surface.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := provider.NewRegistry()
	metrics := provider.NewMetrics(prometheus.NewRegistry())
	router := provider.NewStageRouter(registry, metrics)
	store := artifact.NewStore(t.TempDir())

	handlers := &pipeline.Handlers{
		Router:    router,
		Prompts:   prompt.NewRegistry(),
		Store:     store,
		Publisher: publish.NewGitPublisher(t.TempDir(), "codegrove"),
		RepoOwner: "codegrove",
	}
	builds := repository.NewMemoryStore()
	bus := event.NewBus()
	orch := pipeline.NewOrchestrator(pipeline.DefaultStages(handlers), store, bus, builds, builds, nil)
	return NewServer(orch, bus, prometheus.NewRegistry())
}

func TestCreateBuild(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	body := `{"project_id": "proj-1", "spec": {"appName": "demo"}}`
	req := httptest.NewRequest("POST", "/api/builds", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	buildID, _ := resp["build_id"].(string)
	if !strings.HasPrefix(buildID, "bld-") {
		t.Errorf("build_id = %q, want bld- prefix", buildID)
	}
}

func TestCreateBuild_InvalidBody(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/api/builds", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateBuild_MissingProject(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/api/builds", strings.NewReader(`{"spec": {"a": 1}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetBuild(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	body := `{"project_id": "proj-1", "spec": {"appName": "demo"}}`
	req := httptest.NewRequest("POST", "/api/builds", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	buildID := created["build_id"].(string)

	req = httptest.NewRequest("GET", "/api/builds/"+buildID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp buildResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.BuildID != buildID {
		t.Errorf("BuildID = %q, want %q", resp.BuildID, buildID)
	}
	if resp.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q", resp.ProjectID)
	}
}

func TestGetBuild_NotFound(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/builds/bld-missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelBuild_NotFound(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/api/builds/bld-missing/cancel", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStreamEvents_NotFound(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/builds/bld-missing/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
