package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codegrove/appforge/internal/fault"
)

// fakeProvider scripts one response per model name.
type fakeProvider struct {
	name  string
	calls []call
	// errs maps model -> error; models absent here succeed.
	errs map[string]error
}

type call struct {
	model  string
	prompt string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Call(ctx context.Context, model, prompt string, opts CallOptions) (*Result, error) {
	f.calls = append(f.calls, call{model, prompt})
	if err, ok := f.errs[model]; ok {
		return nil, err
	}
	return &Result{Content: "ok from " + f.name + "/" + model, InputTokens: 10, OutputTokens: 20}, nil
}

func newTestRouter(t *testing.T, providers ...*fakeProvider) (*StageRouter, *Registry) {
	t.Helper()
	reg := NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewStageRouter(reg, metrics), reg
}

func TestCallStage_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "openai"}
	backup := &fakeProvider{name: "gemini"}
	router, _ := newTestRouter(t, primary, backup)
	if err := router.SetRoute(2, Choice{"openai", "gpt-4o"}, Choice{"gemini", "gemini-2.5-flash"}); err != nil {
		t.Fatal(err)
	}

	result, err := router.CallStage(context.Background(), 2, "write docs", CallOptions{})
	if err != nil {
		t.Fatalf("CallStage() returned error: %v", err)
	}
	if result.Content != "ok from openai/gpt-4o" {
		t.Errorf("Content = %q", result.Content)
	}
	if len(backup.calls) != 0 {
		t.Errorf("fallback called %d times, want 0", len(backup.calls))
	}
	if result.Cost <= 0 {
		t.Errorf("Cost = %v, want > 0 for a priced model", result.Cost)
	}
}

func TestCallStage_FallsBackOnRetryable(t *testing.T) {
	primary := &fakeProvider{name: "openai", errs: map[string]error{
		"gpt-4o": fault.New(fault.KindRateLimit, "throttled"),
	}}
	backup := &fakeProvider{name: "gemini"}
	router, _ := newTestRouter(t, primary, backup)
	_ = router.SetRoute(2, Choice{"openai", "gpt-4o"}, Choice{"gemini", "gemini-2.5-flash"})

	result, err := router.CallStage(context.Background(), 2, "p", CallOptions{})
	if err != nil {
		t.Fatalf("CallStage() returned error: %v", err)
	}
	if result.Content != "ok from gemini/gemini-2.5-flash" {
		t.Errorf("Content = %q, want fallback response", result.Content)
	}
}

func TestCallStage_FallsBackOnModelNotFound(t *testing.T) {
	primary := &fakeProvider{name: "openai", errs: map[string]error{
		"gpt-5-nope": fault.New(fault.KindModelNotFound, "unknown model"),
	}}
	backup := &fakeProvider{name: "gemini"}
	router, _ := newTestRouter(t, primary, backup)
	_ = router.SetRoute(3, Choice{"openai", "gpt-5-nope"}, Choice{"gemini", "gemini-2.5-flash"})

	if _, err := router.CallStage(context.Background(), 3, "p", CallOptions{}); err != nil {
		t.Fatalf("CallStage() returned error: %v", err)
	}
	if len(backup.calls) != 1 {
		t.Errorf("fallback calls = %d, want 1", len(backup.calls))
	}
}

func TestCallStage_AuthenticationAborts(t *testing.T) {
	primary := &fakeProvider{name: "openai", errs: map[string]error{
		"gpt-4o": fault.New(fault.KindAuthentication, "invalid key"),
	}}
	backup := &fakeProvider{name: "gemini"}
	router, _ := newTestRouter(t, primary, backup)
	_ = router.SetRoute(2, Choice{"openai", "gpt-4o"}, Choice{"gemini", "gemini-2.5-flash"})

	_, err := router.CallStage(context.Background(), 2, "p", CallOptions{})
	if err == nil {
		t.Fatal("CallStage() should return error")
	}
	if fault.KindOf(err) != fault.KindAuthentication {
		t.Errorf("kind = %v, want Authentication", fault.KindOf(err))
	}
	if len(backup.calls) != 0 {
		t.Errorf("fallback calls = %d, fallback must not run after auth failure", len(backup.calls))
	}
}

func TestCallStage_AllChoicesExhausted(t *testing.T) {
	primary := &fakeProvider{name: "openai", errs: map[string]error{
		"gpt-4o": fault.New(fault.KindProviderUnavailable, "down"),
	}}
	backup := &fakeProvider{name: "gemini", errs: map[string]error{
		"gemini-2.5-flash": fault.New(fault.KindTimeout, "deadline"),
	}}
	router, _ := newTestRouter(t, primary, backup)
	_ = router.SetRoute(2, Choice{"openai", "gpt-4o"}, Choice{"gemini", "gemini-2.5-flash"})

	_, err := router.CallStage(context.Background(), 2, "p", CallOptions{})
	if err == nil {
		t.Fatal("CallStage() should return error")
	}
	var ee *fault.ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("error is %T, want *fault.ExhaustedError", err)
	}
	if len(ee.Attempts) != 2 {
		t.Errorf("Attempts = %d, want 2", len(ee.Attempts))
	}
	if fault.KindOf(err) != fault.KindFallbackExhausted {
		t.Errorf("kind = %v, want FallbackExhausted", fault.KindOf(err))
	}
	// Exhaustion of all fallbacks is itself not retryable.
	if fault.Retryable(err) {
		t.Error("exhausted error must not be retryable")
	}
}

func TestCallStage_MetersByProject(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeProvider{name: "openai"})
	metrics := NewMetrics(prometheus.NewRegistry())
	router := NewStageRouter(reg, metrics)
	_ = router.SetRoute(2, Choice{"openai", "gpt-4o"})

	opts := CallOptions{BuildID: "bld-123", ProjectID: "proj-metered"}
	if _, err := router.CallStage(context.Background(), 2, "p", opts); err != nil {
		t.Fatalf("CallStage() returned error: %v", err)
	}

	byProject := metrics.ByProject()
	st, ok := byProject["proj-metered"]
	if !ok {
		t.Fatalf("ByProject() = %v, want key proj-metered", byProject)
	}
	if _, ok := byProject["bld-123"]; ok {
		t.Error("ByProject() keyed by build id, want project id")
	}
	if st.Calls != 1 || st.InputTokens != 10 || st.OutputTokens != 20 {
		t.Errorf("stats = %+v, want 1 call with 10/20 tokens", st)
	}
}

func TestCallStage_NoRouteConfigured(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{name: "openai"})
	_, err := router.CallStage(context.Background(), 4, "p", CallOptions{})
	if err == nil {
		t.Fatal("CallStage() should return error for unrouted stage")
	}
	if fault.KindOf(err) != fault.KindModelNotFound {
		t.Errorf("kind = %v, want ModelNotFound", fault.KindOf(err))
	}
}

func TestSetRoute_UnknownProviderRejected(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{name: "openai"})
	if err := router.SetRoute(1, Choice{"anthropic", "claude"}); err == nil {
		t.Fatal("SetRoute() should reject unregistered providers")
	}
}

func TestParseModelID(t *testing.T) {
	p, m, err := ParseModelID("openai/gpt-4o")
	if err != nil {
		t.Fatalf("ParseModelID() returned error: %v", err)
	}
	if p != "openai" || m != "gpt-4o" {
		t.Errorf("got %s/%s", p, m)
	}
	for _, bad := range []string{"", "gpt-4o", "openai/", "/gpt-4o"} {
		if _, _, err := ParseModelID(bad); err == nil {
			t.Errorf("ParseModelID(%q) should fail", bad)
		}
	}
}
