// Package repository persists build and project records. The orchestrator
// consumes only these narrow interfaces; in-memory and Postgres
// implementations are provided.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// StageStatus is the persisted state of one pipeline stage within a build.
type StageStatus struct {
	Status    string         `json:"status"`
	Meta      map[string]any `json:"meta,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BuildRecord is the persisted view of a build.
type BuildRecord struct {
	BuildID       string                 `json:"build_id"`
	ProjectID     string                 `json:"project_id"`
	OrgID         string                 `json:"org_id"`
	UserID        string                 `json:"user_id"`
	Status        string                 `json:"status"`
	CurrentStage  int                    `json:"current_stage"`
	FailedStage   *int                   `json:"failed_stage,omitempty"`
	Error         string                 `json:"error,omitempty"`
	StageStatuses map[string]StageStatus `json:"stage_statuses"`
	Fields        map[string]any         `json:"fields,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ProjectRecord is the persisted view of a project.
type ProjectRecord struct {
	ProjectID string         `json:"project_id"`
	OrgID     string         `json:"org_id"`
	Name      string         `json:"name"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BuildStore is the orchestrator's window onto build persistence.
type BuildStore interface {
	Create(ctx context.Context, rec *BuildRecord) error
	Find(ctx context.Context, projectID, buildID string) (*BuildRecord, error)
	// Update merges arbitrary fields; well-known keys ("status",
	// "current_stage", "error") update the typed columns.
	Update(ctx context.Context, buildID string, fields map[string]any) error
	UpdateStageStatus(ctx context.Context, buildID, stageName, status string, meta map[string]any) error
	LogStageError(ctx context.Context, buildID, stageName string, stageID int, errMsg string, meta map[string]any) error
	MarkFailedAtStage(ctx context.Context, buildID string, stageID int, stageName, message string) error
}

// ProjectStore resolves and updates project records.
type ProjectStore interface {
	FindProject(ctx context.Context, orgID, projectID string) (*ProjectRecord, error)
	UpdateProject(ctx context.Context, projectID string, fields map[string]any) error
}
