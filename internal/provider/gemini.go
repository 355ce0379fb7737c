package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/codegrove/appforge/internal/fault"
)

// GeminiProvider uses the google.golang.org/genai SDK directly rather than
// an OpenAI-compat shim, so usage metadata comes back natively.
type GeminiProvider struct {
	name    string
	apiKey  string
	once    sync.Once
	client  *genai.Client
	initErr error
}

func NewGeminiProvider(name, apiKey string) *GeminiProvider {
	return &GeminiProvider{name: name, apiKey: apiKey}
}

func (g *GeminiProvider) Name() string { return g.name }

func (g *GeminiProvider) ensureClient(ctx context.Context) error {
	g.once.Do(func() {
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return g.initErr
}

func (g *GeminiProvider) Call(ctx context.Context, model, prompt string, opts CallOptions) (*Result, error) {
	if err := g.ensureClient(ctx); err != nil {
		return nil, fault.Wrap(fault.KindAuthentication, err, "gemini client init failed")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	result := &Result{
		Content:   resp.Text(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err, "gemini request deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err, "gemini request cancelled")
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return fault.Wrap(fault.KindRateLimit, err, "gemini rate limited")
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fault.Wrap(fault.KindAuthentication, err, "gemini rejected credentials")
		case apiErr.Code == http.StatusNotFound:
			return fault.Wrap(fault.KindModelNotFound, err, "gemini model not found")
		case apiErr.Code >= 500:
			return fault.Wrap(fault.KindProviderUnavailable, err, "gemini unavailable")
		default:
			return fault.Wrap(fault.KindInvalidRequest, err, "gemini rejected request")
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return fault.Wrap(fault.KindRateLimit, err, "gemini rate limited")
	}
	return fault.Wrap(fault.KindProviderUnavailable, err, "gemini request failed")
}
