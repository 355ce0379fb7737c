package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookNotifier posts Slack-style JSON messages to an incoming webhook.
type WebhookNotifier struct {
	URL     string
	Channel string
	Client  *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url}
}

func (w *WebhookNotifier) BuildStarted(ctx context.Context, userID string, p Payload) error {
	return w.send(ctx, fmt.Sprintf("Build %s started for project %s (user %s)", p.BuildID, p.ProjectID, userID))
}

func (w *WebhookNotifier) BuildCompleted(ctx context.Context, userID string, p Payload) error {
	msg := fmt.Sprintf("Build %s completed for project %s", p.BuildID, p.ProjectID)
	if p.RepoURL != "" {
		msg += ": " + p.RepoURL
	}
	return w.send(ctx, msg)
}

func (w *WebhookNotifier) BuildFailed(ctx context.Context, userID string, p Payload) error {
	return w.send(ctx, fmt.Sprintf("Build %s failed for project %s: %s", p.BuildID, p.ProjectID, p.Message))
}

func (w *WebhookNotifier) send(ctx context.Context, message string) error {
	if w.URL == "" {
		return fmt.Errorf("webhook notifier missing URL")
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload := map[string]string{"text": message}
	if w.Channel != "" {
		payload["channel"] = w.Channel
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
