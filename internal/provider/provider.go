// Package provider abstracts calls to language-model backends and routes
// each pipeline stage to an ordered list of (provider, model) choices.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CallOptions carries the per-call deadline and correlation metadata.
type CallOptions struct {
	Timeout   time.Duration
	BuildID   string
	ProjectID string
	StageID   int
	FilePath  string
}

// Result is the outcome of one successful model call.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Cost         float64
}

// Provider is a single model backend. Implementations must be safe for
// concurrent calls and must classify failures via the fault package so the
// router and retry engine can dispatch on kind.
type Provider interface {
	Name() string
	Call(ctx context.Context, model, prompt string, opts CallOptions) (*Result, error)
}

// ParseModelID splits a "provider/model" route string.
func ParseModelID(modelID string) (providerName, modelName string, err error) {
	parts := strings.SplitN(modelID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model ID %q: expected format 'provider/model'", modelID)
	}
	return parts[0], parts[1], nil
}
