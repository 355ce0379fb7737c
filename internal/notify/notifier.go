// Package notify delivers build lifecycle notifications. Delivery is
// best-effort: the orchestrator logs failures and never propagates them.
package notify

import "context"

// Payload carries the notification fields shared by all events.
type Payload struct {
	BuildID   string `json:"build_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	RepoURL   string `json:"repo_url,omitempty"`
}

// Notifier is the interface the orchestrator consumes.
type Notifier interface {
	BuildStarted(ctx context.Context, userID string, payload Payload) error
	BuildCompleted(ctx context.Context, userID string, payload Payload) error
	BuildFailed(ctx context.Context, userID string, payload Payload) error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) BuildStarted(context.Context, string, Payload) error   { return nil }
func (Noop) BuildCompleted(context.Context, string, Payload) error { return nil }
func (Noop) BuildFailed(context.Context, string, Payload) error    { return nil }
