package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codegrove/appforge/internal/fault"
)

// Choice is one routed (provider, model) pair.
type Choice struct {
	Provider string
	Model    string
}

// StageRouter maps stage ids to an ordered list of choices: a primary and
// zero or more fallbacks. On a retryable failure the router advances to the
// next choice; ModelNotFound/InvalidRequest also advance (the payload may
// suit another model); Authentication aborts immediately.
type StageRouter struct {
	registry *Registry
	metrics  *Metrics

	mu     sync.RWMutex
	routes map[int][]Choice
}

func NewStageRouter(registry *Registry, metrics *Metrics) *StageRouter {
	return &StageRouter{
		registry: registry,
		metrics:  metrics,
		routes:   make(map[int][]Choice),
	}
}

// SetRoute installs the ordered choices for a stage, replacing any previous
// route. Every choice's provider must already be registered.
func (r *StageRouter) SetRoute(stageID int, choices ...Choice) error {
	for _, c := range choices {
		if _, ok := r.registry.Get(c.Provider); !ok {
			return fault.New(fault.KindModelNotFound, "stage %d routed to unknown provider %q", stageID, c.Provider)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[stageID] = append([]Choice(nil), choices...)
	return nil
}

// Route returns the configured choices for a stage.
func (r *StageRouter) Route(stageID int) []Choice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Choice(nil), r.routes[stageID]...)
}

// CallStage runs the prompt against the stage's choices in order. Every
// attempt is metered; the result of the successful attempt carries its cost
// from the static pricing table.
func (r *StageRouter) CallStage(ctx context.Context, stageID int, prompt string, opts CallOptions) (*Result, error) {
	choices := r.Route(stageID)
	if len(choices) == 0 {
		return nil, fault.New(fault.KindModelNotFound, "no model route configured for stage %d", stageID)
	}
	opts.StageID = stageID

	var attempts []fault.AttemptError
	for _, choice := range choices {
		p, ok := r.registry.Get(choice.Provider)
		if !ok {
			attempts = append(attempts, fault.AttemptError{
				Provider: choice.Provider, Model: choice.Model,
				Err: fault.New(fault.KindModelNotFound, "provider %q not registered", choice.Provider),
			})
			continue
		}

		result, err := p.Call(ctx, choice.Model, prompt, opts)
		if err == nil {
			result.Cost = CostFor(choice.Model, result.InputTokens, result.OutputTokens)
			r.metrics.Record(choice.Provider, choice.Model, stageID, opts.ProjectID, result, nil)
			return result, nil
		}
		r.metrics.Record(choice.Provider, choice.Model, stageID, opts.ProjectID, nil, err)

		kind := fault.KindOf(err)
		switch kind {
		case fault.KindAuthentication, fault.KindCancelled:
			return nil, err
		case fault.KindRateLimit, fault.KindProviderUnavailable, fault.KindTimeout,
			fault.KindModelNotFound, fault.KindInvalidRequest:
			slog.Warn("model choice failed, trying next",
				"stage", stageID, "provider", choice.Provider, "model", choice.Model, "kind", kind, "err", err)
			attempts = append(attempts, fault.AttemptError{Provider: choice.Provider, Model: choice.Model, Err: err})
		default:
			return nil, err
		}
	}
	return nil, &fault.ExhaustedError{StageID: stageID, Attempts: attempts}
}
