package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/codegrove/appforge/internal/fault"
)

// OpenAIProvider talks to an OpenAI-style chat completions API. It also
// covers compatible backends (Groq, Together, local gateways) via baseURL.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAIProvider(name, baseURL, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{name: name, baseURL: baseURL, apiKey: apiKey, client: &http.Client{}}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Call(ctx context.Context, model, prompt string, opts CallOptions) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body := map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": prompt}},
		"stream":   false,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp, string(respBody))
	}

	var apiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fault.Wrap(fault.KindParseFailure, err, "decode response")
	}
	if len(apiResp.Choices) == 0 {
		return nil, fault.New(fault.KindParseFailure, "no choices in response")
	}

	return &Result{
		Content:      apiResp.Choices[0].Message.Content,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err, "request deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err, "request cancelled")
	}
	// DNS failures, connection resets and the like count as the provider
	// being unavailable.
	return fault.Wrap(fault.KindProviderUnavailable, err, "request failed")
}

func classifyStatus(resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fe := fault.New(fault.KindRateLimit, "API rate limited (status 429): %s", body)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				fe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return fe
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.KindAuthentication, "API rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fault.New(fault.KindModelNotFound, "model not found (status 404): %s", body)
	case resp.StatusCode >= 500:
		return fault.New(fault.KindProviderUnavailable, "API error (status %d): %s", resp.StatusCode, body)
	default:
		return fault.New(fault.KindInvalidRequest, "API error (status %d): %s", resp.StatusCode, body)
	}
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}
type openAIChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}
type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
