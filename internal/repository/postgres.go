package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists build and project records in PostgreSQL.
type PostgresStore struct {
	pool *sql.DB
}

// OpenPostgres connects, configures the pool and runs migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.pool.Close() }

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.ExecContext(ctx, migrationSQL)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS builds (
    build_id       TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    org_id         TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    current_stage  INTEGER NOT NULL DEFAULT 0,
    failed_stage   INTEGER,
    error          TEXT NOT NULL DEFAULT '',
    stage_statuses JSONB NOT NULL DEFAULT '{}',
    fields         JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS builds_project_idx ON builds (project_id);

CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    org_id     TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    fields     JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Create(ctx context.Context, rec *BuildRecord) error {
	stagesJSON, _ := json.Marshal(rec.StageStatuses)
	fieldsJSON, _ := json.Marshal(rec.Fields)
	if rec.StageStatuses == nil {
		stagesJSON = []byte("{}")
	}
	if rec.Fields == nil {
		fieldsJSON = []byte("{}")
	}
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO builds (build_id, project_id, org_id, user_id, status, current_stage, stage_statuses, fields)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.BuildID, rec.ProjectID, rec.OrgID, rec.UserID, rec.Status, rec.CurrentStage, stagesJSON, fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, projectID, buildID string) (*BuildRecord, error) {
	rec := &BuildRecord{}
	var stagesJSON, fieldsJSON []byte
	var failedStage sql.NullInt64
	err := s.pool.QueryRowContext(ctx,
		`SELECT build_id, project_id, org_id, user_id, status, current_stage, failed_stage, error,
		        stage_statuses, fields, created_at, updated_at
		 FROM builds WHERE build_id = $1 AND ($2 = '' OR project_id = $2)`,
		buildID, projectID,
	).Scan(&rec.BuildID, &rec.ProjectID, &rec.OrgID, &rec.UserID, &rec.Status, &rec.CurrentStage,
		&failedStage, &rec.Error, &stagesJSON, &fieldsJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("build %q: %w", buildID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find build: %w", err)
	}
	if failedStage.Valid {
		fs := int(failedStage.Int64)
		rec.FailedStage = &fs
	}
	json.Unmarshal(stagesJSON, &rec.StageStatuses)
	json.Unmarshal(fieldsJSON, &rec.Fields)
	return rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, buildID string, fields map[string]any) error {
	rec, err := s.Find(ctx, "", buildID)
	if err != nil {
		return err
	}
	applyFields(rec, fields)
	fieldsJSON, _ := json.Marshal(rec.Fields)
	_, err = s.pool.ExecContext(ctx,
		`UPDATE builds SET status = $2, current_stage = $3, error = $4, fields = $5, updated_at = now()
		 WHERE build_id = $1`,
		buildID, rec.Status, rec.CurrentStage, rec.Error, fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStageStatus(ctx context.Context, buildID, stageName, status string, meta map[string]any) error {
	st := StageStatus{Status: status, Meta: meta, UpdatedAt: time.Now()}
	return s.setStage(ctx, buildID, stageName, st, nil)
}

func (s *PostgresStore) LogStageError(ctx context.Context, buildID, stageName string, stageID int, errMsg string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["stage_id"] = stageID
	st := StageStatus{Error: errMsg, Meta: meta, UpdatedAt: time.Now()}
	return s.setStage(ctx, buildID, stageName, st, func(prev StageStatus) StageStatus {
		st.Status = prev.Status
		return st
	})
}

func (s *PostgresStore) MarkFailedAtStage(ctx context.Context, buildID string, stageID int, stageName, message string) error {
	st := StageStatus{Status: "failed", Error: message, UpdatedAt: time.Now()}
	if err := s.setStage(ctx, buildID, stageName, st, nil); err != nil {
		return err
	}
	_, err := s.pool.ExecContext(ctx,
		`UPDATE builds SET status = 'failed', failed_stage = $2, error = $3, updated_at = now()
		 WHERE build_id = $1`,
		buildID, stageID, message,
	)
	if err != nil {
		return fmt.Errorf("mark build failed: %w", err)
	}
	return nil
}

// setStage rewrites one entry in the stage_statuses JSON column.
func (s *PostgresStore) setStage(ctx context.Context, buildID, stageName string, st StageStatus, merge func(prev StageStatus) StageStatus) error {
	rec, err := s.Find(ctx, "", buildID)
	if err != nil {
		return err
	}
	if rec.StageStatuses == nil {
		rec.StageStatuses = make(map[string]StageStatus)
	}
	if merge != nil {
		st = merge(rec.StageStatuses[stageName])
	}
	rec.StageStatuses[stageName] = st
	stagesJSON, _ := json.Marshal(rec.StageStatuses)
	_, err = s.pool.ExecContext(ctx,
		`UPDATE builds SET stage_statuses = $2, updated_at = now() WHERE build_id = $1`,
		buildID, stagesJSON,
	)
	if err != nil {
		return fmt.Errorf("update stage status: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindProject(ctx context.Context, orgID, projectID string) (*ProjectRecord, error) {
	rec := &ProjectRecord{}
	var fieldsJSON []byte
	err := s.pool.QueryRowContext(ctx,
		`SELECT project_id, org_id, name, fields, updated_at
		 FROM projects WHERE project_id = $1 AND ($2 = '' OR org_id = $2)`,
		projectID, orgID,
	).Scan(&rec.ProjectID, &rec.OrgID, &rec.Name, &fieldsJSON, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find project: %w", err)
	}
	json.Unmarshal(fieldsJSON, &rec.Fields)
	return rec, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID string, fields map[string]any) error {
	fieldsJSON, _ := json.Marshal(fields)
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO projects (project_id, fields, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (project_id) DO UPDATE SET fields = projects.fields || $2, updated_at = now()`,
		projectID, fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}
