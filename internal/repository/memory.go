package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps build and project records in process memory. It is the
// default store for single-node deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	builds   map[string]*BuildRecord
	projects map[string]*ProjectRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		builds:   make(map[string]*BuildRecord),
		projects: make(map[string]*ProjectRecord),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *BuildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.StageStatuses == nil {
		cp.StageStatuses = make(map[string]StageStatus)
	}
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.builds[rec.BuildID] = &cp
	return nil
}

func (m *MemoryStore) Find(_ context.Context, projectID, buildID string) (*BuildRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.builds[buildID]
	if !ok || (projectID != "" && rec.ProjectID != projectID) {
		return nil, fmt.Errorf("build %q: %w", buildID, ErrNotFound)
	}
	cp := *rec
	cp.StageStatuses = make(map[string]StageStatus, len(rec.StageStatuses))
	for k, v := range rec.StageStatuses {
		cp.StageStatuses[k] = v
	}
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, buildID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[buildID]
	if !ok {
		return fmt.Errorf("build %q: %w", buildID, ErrNotFound)
	}
	applyFields(rec, fields)
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateStageStatus(_ context.Context, buildID, stageName, status string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[buildID]
	if !ok {
		return fmt.Errorf("build %q: %w", buildID, ErrNotFound)
	}
	st := rec.StageStatuses[stageName]
	st.Status = status
	if meta != nil {
		st.Meta = meta
	}
	st.UpdatedAt = time.Now()
	rec.StageStatuses[stageName] = st
	rec.UpdatedAt = st.UpdatedAt
	return nil
}

func (m *MemoryStore) LogStageError(_ context.Context, buildID, stageName string, stageID int, errMsg string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[buildID]
	if !ok {
		return fmt.Errorf("build %q: %w", buildID, ErrNotFound)
	}
	st := rec.StageStatuses[stageName]
	st.Error = errMsg
	if meta != nil {
		if st.Meta == nil {
			st.Meta = make(map[string]any, len(meta)+1)
		}
		for k, v := range meta {
			st.Meta[k] = v
		}
	}
	if st.Meta == nil {
		st.Meta = map[string]any{}
	}
	st.Meta["stage_id"] = stageID
	st.UpdatedAt = time.Now()
	rec.StageStatuses[stageName] = st
	rec.UpdatedAt = st.UpdatedAt
	return nil
}

func (m *MemoryStore) MarkFailedAtStage(_ context.Context, buildID string, stageID int, stageName, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[buildID]
	if !ok {
		return fmt.Errorf("build %q: %w", buildID, ErrNotFound)
	}
	rec.Status = "failed"
	rec.FailedStage = &stageID
	rec.Error = message
	st := rec.StageStatuses[stageName]
	st.Status = "failed"
	st.Error = message
	st.UpdatedAt = time.Now()
	rec.StageStatuses[stageName] = st
	rec.UpdatedAt = st.UpdatedAt
	return nil
}

func (m *MemoryStore) FindProject(_ context.Context, orgID, projectID string) (*ProjectRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.projects[projectID]
	if !ok || (orgID != "" && rec.OrgID != orgID) {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UpdateProject(_ context.Context, projectID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.projects[projectID]
	if !ok {
		rec = &ProjectRecord{ProjectID: projectID}
		m.projects[projectID] = rec
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				rec.Name = s
			}
		case "org_id":
			if s, ok := v.(string); ok {
				rec.OrgID = s
			}
		default:
			rec.Fields[k] = v
		}
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func applyFields(rec *BuildRecord, fields map[string]any) {
	if rec.Fields == nil {
		rec.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		switch k {
		case "status":
			if s, ok := v.(string); ok {
				rec.Status = s
			}
		case "current_stage":
			switch n := v.(type) {
			case int:
				rec.CurrentStage = n
			case float64:
				rec.CurrentStage = int(n)
			}
		case "error":
			if s, ok := v.(string); ok {
				rec.Error = s
			}
		default:
			rec.Fields[k] = v
		}
	}
}
