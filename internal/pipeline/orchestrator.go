package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codegrove/appforge/internal/appforge"
	"github.com/codegrove/appforge/internal/artifact"
	"github.com/codegrove/appforge/internal/event"
	"github.com/codegrove/appforge/internal/fault"
	"github.com/codegrove/appforge/internal/notify"
	"github.com/codegrove/appforge/internal/repository"
	"github.com/codegrove/appforge/internal/retry"
)

// ErrBuildNotFound is returned by Status/Cancel for unknown build ids.
var ErrBuildNotFound = errors.New("build not found")

// Orchestrator drives builds through the stage table. Each build runs on
// its own goroutine; the orchestrator only ever hands out snapshots of
// build state.
type Orchestrator struct {
	stages   []StageDescriptor
	store    *artifact.Store
	bus      *event.Bus
	builds   repository.BuildStore
	projects repository.ProjectStore
	notifier notify.Notifier

	// schedule overrides the retry backoff schedule; nil means the default
	// [0, 500ms, 1.5s]. Tests inject a zero schedule.
	schedule []time.Duration

	mu     sync.RWMutex
	active map[string]*buildState
}

type buildState struct {
	mu     sync.Mutex
	build  appforge.BuildContext
	cancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetrySchedule replaces the backoff schedule for every stage retry.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(o *Orchestrator) { o.schedule = schedule }
}

// NewOrchestrator wires an orchestrator. notifier and projects may be nil.
func NewOrchestrator(stages []StageDescriptor, store *artifact.Store, bus *event.Bus,
	builds repository.BuildStore, projects repository.ProjectStore, notifier notify.Notifier, opts ...Option) *Orchestrator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	o := &Orchestrator{
		stages:   stages,
		store:    store,
		bus:      bus,
		builds:   builds,
		projects: projects,
		notifier: notifier,
		active:   make(map[string]*buildState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates the request, registers the build and begins execution on
// a new goroutine. It returns the build id immediately.
func (o *Orchestrator) Start(req appforge.BuildRequest) (string, error) {
	if req.ProjectID == "" {
		return "", fmt.Errorf("build request missing project_id")
	}
	if len(req.Spec) == 0 {
		return "", fmt.Errorf("build request missing spec")
	}

	buildID := appforge.NewBuildID()
	runCtx, cancel := context.WithCancel(context.Background())
	state := &buildState{
		build: appforge.BuildContext{
			BuildID:    buildID,
			ProjectID:  req.ProjectID,
			OrgID:      req.OrgID,
			UserID:     req.UserID,
			SpecJSON:   req.Spec,
			ProjectDir: o.store.ProjectDir(req.ProjectID),
			StartedAt:  time.Now(),
			Status:     appforge.StatusPending,
			Artifacts:  make(map[int]map[string]any),
		},
		cancel: cancel,
	}
	// Pre-provided artifacts live under a pseudo-stage so the skip rule and
	// input resolution both see them.
	if len(req.InitialArtifacts) > 0 {
		initial := make(map[string]any, len(req.InitialArtifacts))
		for name, value := range req.InitialArtifacts {
			initial[name] = value
		}
		state.build.Artifacts[-1] = initial
	}

	o.mu.Lock()
	o.active[buildID] = state
	o.mu.Unlock()

	if err := o.builds.Create(runCtx, &repository.BuildRecord{
		BuildID:   buildID,
		ProjectID: req.ProjectID,
		OrgID:     req.OrgID,
		UserID:    req.UserID,
		Status:    string(appforge.StatusPending),
	}); err != nil {
		slog.Warn("create build record failed", "build", buildID, "err", err)
	}

	go o.run(runCtx, state, req)
	return buildID, nil
}

// Status returns a snapshot of the build's current state.
func (o *Orchestrator) Status(buildID string) (appforge.BuildContext, error) {
	o.mu.RLock()
	state, ok := o.active[buildID]
	o.mu.RUnlock()
	if !ok {
		return appforge.BuildContext{}, fmt.Errorf("build %q: %w", buildID, ErrBuildNotFound)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.build.Snapshot(), nil
}

// Cancel requests cancellation. It takes effect at the next cancellation
// point: between stages, or between fan-out batches within stage 8.
func (o *Orchestrator) Cancel(buildID string) error {
	o.mu.RLock()
	state, ok := o.active[buildID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("build %q: %w", buildID, ErrBuildNotFound)
	}
	state.cancel()
	return nil
}

// Sweep drops terminal builds that ended before the retention window.
// Their artifacts stay on disk.
func (o *Orchestrator) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, state := range o.active {
		state.mu.Lock()
		expired := state.build.Status.Terminal() && !state.build.EndedAt.IsZero() && state.build.EndedAt.Before(cutoff)
		state.mu.Unlock()
		if expired {
			delete(o.active, id)
			removed++
		}
	}
	return removed
}

func (o *Orchestrator) run(ctx context.Context, state *buildState, req appforge.BuildRequest) {
	buildID := state.build.BuildID
	start := time.Now()

	o.mutate(state, func(b *appforge.BuildContext) { b.Status = appforge.StatusRunning })
	o.updateRecord(buildID, map[string]any{"status": string(appforge.StatusRunning)})
	o.emit(buildID, event.PipelineStarted, map[string]any{
		"project_id":   state.build.ProjectID,
		"total_stages": len(o.stages),
	})
	o.notifyAsync(func(nctx context.Context) error {
		return o.notifier.BuildStarted(nctx, req.UserID, o.payload(state, ""))
	})

	if err := o.store.EnsureLayout(state.build.ProjectDir); err != nil {
		o.failSetup(state, err, start)
		return
	}

	for _, stage := range o.stages {
		if ctx.Err() != nil {
			o.finishCancelled(state, stage)
			return
		}

		o.mutate(state, func(b *appforge.BuildContext) { b.CurrentStage = stage.ID })
		o.updateRecord(buildID, map[string]any{"current_stage": stage.ID})
		o.emit(buildID, event.StageStarted, map[string]any{
			"stage_id":   stage.ID,
			"stage_name": stage.Name,
		})

		if o.trySkip(state, stage) {
			continue
		}

		inputs, err := o.readInputs(state, stage)
		if err != nil {
			o.failStage(state, stage, err, start)
			return
		}

		result, err := o.runStage(ctx, state, stage, req, inputs)

		// Persist whatever the handler produced, success or not.
		if result != nil {
			o.persistArtifacts(state, stage, result.Artifacts)
		}

		if err != nil {
			if fault.IsCancelled(err) || ctx.Err() != nil {
				o.finishCancelled(state, stage)
				return
			}
			o.failStage(state, stage, err, start)
			return
		}

		o.mutate(state, func(b *appforge.BuildContext) {
			b.CompletedStages = append(b.CompletedStages, stage.ID)
		})
		o.emit(buildID, event.StageCompleted, map[string]any{
			"stage_id":       stage.ID,
			"stage_name":     stage.Name,
			"skipped":        false,
			"artifact_names": artifactNames(result),
		})
		if len(result.Diagnostics) > 0 {
			slog.Warn("stage completed with diagnostics", "build", buildID, "stage", stage.Name, "diagnostics", result.Diagnostics)
		}
		if err := o.builds.UpdateStageStatus(context.Background(), buildID, stage.Name, "completed", nil); err != nil {
			slog.Warn("update stage status failed", "build", buildID, "stage", stage.Name, "err", err)
		}
	}

	o.finishCompleted(state, start)
}

// runStage executes one stage under its retry policy, with a per-attempt
// deadline when the stage declares a timeout.
func (o *Orchestrator) runStage(ctx context.Context, state *buildState, stage StageDescriptor,
	req appforge.BuildRequest, inputs map[string]any) (*appforge.StageResult, error) {

	buildID := state.build.BuildID
	policy := retry.NewPolicy(stage.Retries)
	if o.schedule != nil {
		policy.Schedule = o.schedule
	}

	attempt := 0
	var lastResult *appforge.StageResult

	onRetry := func(next int, backoff time.Duration, previous error) {
		o.emit(buildID, event.StageRetrying, map[string]any{
			"stage_id":       stage.ID,
			"attempt":        next,
			"max_attempts":   policy.MaxAttempts,
			"backoff_ms":     backoff.Milliseconds(),
			"previous_error": previous.Error(),
		})
	}

	err := retry.Do(ctx, policy, onRetry, func(ctx context.Context) error {
		attempt++
		attemptCtx := ctx
		if stage.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
			defer cancel()
		}

		sc := &StageContext{
			Build:   o.snapshotPtr(state),
			Stage:   stage,
			Request: req,
			Inputs:  inputs,
			Attempt: attempt,
			Progress: func(completed, total int, currentFile string) {
				o.emit(buildID, event.StageProgress, map[string]any{
					"stage_id":     stage.ID,
					"completed":    completed,
					"total":        total,
					"current_file": currentFile,
				})
			},
		}

		result, handlerErr := stage.Handler(attemptCtx, sc)
		if result != nil {
			lastResult = result
		}
		if handlerErr != nil {
			// A per-attempt deadline on an otherwise live build counts as
			// a stage timeout, not a cancellation.
			if ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded && fault.IsCancelled(handlerErr) {
				return fault.Wrap(fault.KindTimeout, handlerErr, "stage %s attempt deadline exceeded", stage.Name)
			}
			return handlerErr
		}
		return nil
	})

	return lastResult, err
}

// trySkip completes the stage without running it when every declared
// output was pre-provided in the request's InitialArtifacts. The artifacts
// are still persisted so on-disk presence holds.
func (o *Orchestrator) trySkip(state *buildState, stage StageDescriptor) bool {
	if len(stage.OutputArtifacts) == 0 {
		return false
	}
	provided := make(map[string]any, len(stage.OutputArtifacts))
	for _, name := range stage.OutputArtifacts {
		v, ok := o.preProvided(state, name)
		if !ok {
			return false
		}
		provided[name] = v
	}

	o.persistArtifacts(state, stage, provided)
	o.mutate(state, func(b *appforge.BuildContext) {
		b.CompletedStages = append(b.CompletedStages, stage.ID)
	})
	o.emit(state.build.BuildID, event.StageCompleted, map[string]any{
		"stage_id":       stage.ID,
		"stage_name":     stage.Name,
		"skipped":        true,
		"artifact_names": stage.OutputArtifacts,
	})
	if err := o.builds.UpdateStageStatus(context.Background(), state.build.BuildID, stage.Name, "completed",
		map[string]any{"skipped": true}); err != nil {
		slog.Warn("update stage status failed", "build", state.build.BuildID, "stage", stage.Name, "err", err)
	}
	return true
}

func (o *Orchestrator) preProvided(state *buildState, name string) (any, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if v, ok := state.build.Artifact(name); ok {
		return v, true
	}
	return nil, false
}

// readInputs resolves a stage's declared inputs from in-memory artifacts
// first, the store second. A missing input is an InputMissing failure
// naming the stage that should have produced it.
func (o *Orchestrator) readInputs(state *buildState, stage StageDescriptor) (map[string]any, error) {
	inputs := make(map[string]any, len(stage.InputArtifacts))
	for _, name := range stage.InputArtifacts {
		state.mu.Lock()
		v, ok := state.build.Artifact(name)
		state.mu.Unlock()
		if !ok {
			read, err := o.store.Read(state.build.ProjectDir, name)
			if err != nil {
				if errors.Is(err, artifact.ErrNotFound) {
					return nil, fault.New(fault.KindInputMissing,
						"input artifact %q missing (expected from %s)", name, o.producerOf(name))
				}
				return nil, err
			}
			v = read
		}
		inputs[name] = v
	}
	return inputs, nil
}

func (o *Orchestrator) producerOf(name string) string {
	for _, stage := range o.stages {
		for _, out := range stage.OutputArtifacts {
			if out == name {
				return fmt.Sprintf("stage %d (%s)", stage.ID, stage.Name)
			}
		}
	}
	return "an earlier stage"
}

func (o *Orchestrator) persistArtifacts(state *buildState, stage StageDescriptor, artifacts map[string]any) {
	for name, value := range artifacts {
		if err := o.store.Write(state.build.ProjectDir, name, value); err != nil {
			slog.Error("persist artifact failed", "build", state.build.BuildID, "stage", stage.Name, "artifact", name, "err", err)
		}
	}
	o.mutate(state, func(b *appforge.BuildContext) {
		if b.Artifacts[stage.ID] == nil {
			b.Artifacts[stage.ID] = make(map[string]any, len(artifacts))
		}
		for name, value := range artifacts {
			b.Artifacts[stage.ID][name] = value
		}
	})
}

func (o *Orchestrator) failStage(state *buildState, stage StageDescriptor, stageErr error, start time.Time) {
	buildID := state.build.BuildID
	kind := fault.KindOf(stageErr)

	o.mutate(state, func(b *appforge.BuildContext) {
		id := stage.ID
		b.FailedStage = &id
		b.Status = appforge.StatusFailed
		b.Error = stageErr
		b.EndedAt = time.Now()
	})

	bg := context.Background()
	if err := o.builds.LogStageError(bg, buildID, stage.Name, stage.ID, stageErr.Error(), nil); err != nil {
		slog.Warn("log stage error failed", "build", buildID, "err", err)
	}
	if err := o.builds.MarkFailedAtStage(bg, buildID, stage.ID, stage.Name, stageErr.Error()); err != nil {
		slog.Warn("mark build failed failed", "build", buildID, "err", err)
	}

	o.emit(buildID, event.StageFailed, map[string]any{
		"stage_id":   stage.ID,
		"stage_name": stage.Name,
		"error_kind": string(kind),
		"message":    stageErr.Error(),
	})
	o.emit(buildID, event.PipelineFailed, map[string]any{
		"failed_stage": stage.ID,
		"message":      stageErr.Error(),
	})
	o.notifyAsync(func(nctx context.Context) error {
		return o.notifier.BuildFailed(nctx, state.build.UserID, o.payload(state, stageErr.Error()))
	})
	slog.Error("pipeline failed", "build", buildID, "stage", stage.Name, "kind", kind, "err", stageErr, "duration", time.Since(start))
}

func (o *Orchestrator) finishCancelled(state *buildState, stage StageDescriptor) {
	buildID := state.build.BuildID
	o.mutate(state, func(b *appforge.BuildContext) {
		b.Status = appforge.StatusCancelled
		b.EndedAt = time.Now()
	})
	o.updateRecord(buildID, map[string]any{"status": string(appforge.StatusCancelled)})
	o.emit(buildID, event.PipelineCancelled, map[string]any{
		"failed_stage": stage.ID,
	})
	slog.Info("pipeline cancelled", "build", buildID, "stage", stage.Name)
}

func (o *Orchestrator) finishCompleted(state *buildState, start time.Time) {
	buildID := state.build.BuildID
	o.mutate(state, func(b *appforge.BuildContext) {
		b.Status = appforge.StatusCompleted
		b.EndedAt = time.Now()
	})
	o.updateRecord(buildID, map[string]any{"status": string(appforge.StatusCompleted)})

	summary := make(map[string]any)
	state.mu.Lock()
	for stageID, arts := range state.build.Artifacts {
		names := make([]string, 0, len(arts))
		for name := range arts {
			names = append(names, name)
		}
		summary[fmt.Sprintf("%d", stageID)] = names
	}
	repoURL, _ := state.build.Artifact("github_repo_url")
	state.mu.Unlock()

	o.emit(buildID, event.PipelineCompleted, map[string]any{
		"artifact_summary": summary,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	o.notifyAsync(func(nctx context.Context) error {
		p := o.payload(state, "")
		if s, ok := repoURL.(string); ok {
			p.RepoURL = s
		}
		return o.notifier.BuildCompleted(nctx, state.build.UserID, p)
	})
	if o.projects != nil {
		if s, ok := repoURL.(string); ok {
			if err := o.projects.UpdateProject(context.Background(), state.build.ProjectID,
				map[string]any{"repo_url": s}); err != nil {
				slog.Warn("update project failed", "build", buildID, "err", err)
			}
		}
	}
	slog.Info("pipeline completed", "build", buildID, "duration", time.Since(start))
}

// failSetup reports a failure before any stage ran. No stage events are
// emitted since no stage ever started; the pipeline fails as a whole.
func (o *Orchestrator) failSetup(state *buildState, setupErr error, start time.Time) {
	buildID := state.build.BuildID
	o.mutate(state, func(b *appforge.BuildContext) {
		b.Status = appforge.StatusFailed
		b.Error = setupErr
		b.EndedAt = time.Now()
	})
	o.updateRecord(buildID, map[string]any{
		"status": string(appforge.StatusFailed),
		"error":  setupErr.Error(),
	})
	o.emit(buildID, event.PipelineFailed, map[string]any{
		"message": setupErr.Error(),
	})
	o.notifyAsync(func(nctx context.Context) error {
		return o.notifier.BuildFailed(nctx, state.build.UserID, o.payload(state, setupErr.Error()))
	})
	slog.Error("pipeline setup failed", "build", buildID, "err", setupErr, "duration", time.Since(start))
}

func (o *Orchestrator) mutate(state *buildState, fn func(*appforge.BuildContext)) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.build.Status.Terminal() {
		// Terminal transitions are one-shot; late mutations are dropped.
		return
	}
	fn(&state.build)
}

func (o *Orchestrator) snapshotPtr(state *buildState) *appforge.BuildContext {
	state.mu.Lock()
	defer state.mu.Unlock()
	snap := state.build.Snapshot()
	return &snap
}

func (o *Orchestrator) emit(buildID string, typ event.Type, payload map[string]any) {
	o.bus.Publish(event.New(buildID, typ, payload))
}

func (o *Orchestrator) updateRecord(buildID string, fields map[string]any) {
	if err := o.builds.Update(context.Background(), buildID, fields); err != nil {
		slog.Warn("update build record failed", "build", buildID, "err", err)
	}
}

// notifyAsync fires a notification without blocking the stage loop;
// notifier failures are logged, never propagated.
func (o *Orchestrator) notifyAsync(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn("notification failed", "err", err)
		}
	}()
}

func (o *Orchestrator) payload(state *buildState, message string) notify.Payload {
	state.mu.Lock()
	defer state.mu.Unlock()
	return notify.Payload{
		BuildID:   state.build.BuildID,
		ProjectID: state.build.ProjectID,
		Status:    string(state.build.Status),
		Message:   message,
	}
}

func artifactNames(result *appforge.StageResult) []string {
	names := make([]string, 0, len(result.Artifacts))
	for name := range result.Artifacts {
		names = append(names, name)
	}
	return names
}
