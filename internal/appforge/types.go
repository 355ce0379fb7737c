package appforge

import (
	"time"
)

// Status is the lifecycle state of a build.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BuildRequest is the caller-supplied input that starts a pipeline run.
type BuildRequest struct {
	ProjectID string         `json:"project_id"`
	OrgID     string         `json:"org_id"`
	UserID    string         `json:"user_id"`
	Spec      map[string]any `json:"spec"`
	// InitialArtifacts pre-provides stage outputs by artifact name. A stage
	// whose declared outputs are all present here is skipped.
	InitialArtifacts map[string]any `json:"initial_artifacts,omitempty"`
	RepoPrivate      bool           `json:"repo_private,omitempty"`
}

// BuildContext is the process-local state of one active build. It is owned
// exclusively by the orchestrator goroutine running the build; the Status API
// only ever sees copies produced by Snapshot.
type BuildContext struct {
	BuildID         string
	ProjectID       string
	OrgID           string
	UserID          string
	SpecJSON        map[string]any
	ProjectDir      string
	StartedAt       time.Time
	CurrentStage    int
	CompletedStages []int
	FailedStage     *int
	Status          Status
	// Artifacts maps stage id -> artifact name -> value.
	Artifacts map[int]map[string]any
	Error     error
	EndedAt   time.Time
}

// Snapshot returns a copy safe to hand to concurrent readers. Artifact values
// are shared (they are treated as immutable once written).
func (b *BuildContext) Snapshot() BuildContext {
	cp := *b
	cp.CompletedStages = append([]int(nil), b.CompletedStages...)
	if b.FailedStage != nil {
		fs := *b.FailedStage
		cp.FailedStage = &fs
	}
	cp.Artifacts = make(map[int]map[string]any, len(b.Artifacts))
	for id, arts := range b.Artifacts {
		inner := make(map[string]any, len(arts))
		for k, v := range arts {
			inner[k] = v
		}
		cp.Artifacts[id] = inner
	}
	return cp
}

// Artifact returns the named artifact from any stage's output set.
func (b *BuildContext) Artifact(name string) (any, bool) {
	for _, arts := range b.Artifacts {
		if v, ok := arts[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// StageResult is produced by every stage handler. Success implies every
// declared output artifact is present in Artifacts.
type StageResult struct {
	Success     bool           `json:"success"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Skipped     bool           `json:"skipped,omitempty"`
	Diagnostics []string       `json:"diagnostics,omitempty"`
}
