package provider

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CallStats is an aggregate over model calls sharing one key.
type CallStats struct {
	Calls        int64   `json:"calls"`
	Failures     int64   `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMsSum int64   `json:"latency_ms_sum"`
}

type statsKey struct {
	Provider string
	Model    string
	StageID  int
	Project  string
}

// Metrics records per-call accounting, aggregable by provider, model, stage
// and project, and mirrors the counters into Prometheus. Safe for
// concurrent use from every build.
type Metrics struct {
	mu    sync.Mutex
	stats map[statsKey]*CallStats

	calls   *prometheus.CounterVec
	tokens  *prometheus.CounterVec
	cost    *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates a Metrics registered on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stats: make(map[statsKey]*CallStats),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_model_calls_total",
			Help: "Model calls by provider, model, stage and outcome.",
		}, []string{"provider", "model", "stage", "outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_model_tokens_total",
			Help: "Tokens consumed by provider, model, stage and direction.",
		}, []string{"provider", "model", "stage", "direction"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_model_cost_usd_total",
			Help: "Estimated model spend in USD.",
		}, []string{"provider", "model", "stage"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appforge_model_call_duration_seconds",
			Help:    "Model call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider", "model", "stage"}),
	}
}

// Record accounts for one call attempt. result may be nil on failure.
func (m *Metrics) Record(providerName, model string, stageID int, project string, result *Result, callErr error) {
	stage := strconv.Itoa(stageID)
	outcome := "success"
	if callErr != nil {
		outcome = "failure"
	}
	m.calls.WithLabelValues(providerName, model, stage, outcome).Inc()

	key := statsKey{Provider: providerName, Model: model, StageID: stageID, Project: project}
	m.mu.Lock()
	st, ok := m.stats[key]
	if !ok {
		st = &CallStats{}
		m.stats[key] = st
	}
	st.Calls++
	if callErr != nil {
		st.Failures++
	}
	if result != nil {
		st.InputTokens += int64(result.InputTokens)
		st.OutputTokens += int64(result.OutputTokens)
		st.CostUSD += result.Cost
		st.LatencyMsSum += result.LatencyMs
	}
	m.mu.Unlock()

	if result != nil {
		m.tokens.WithLabelValues(providerName, model, stage, "input").Add(float64(result.InputTokens))
		m.tokens.WithLabelValues(providerName, model, stage, "output").Add(float64(result.OutputTokens))
		m.cost.WithLabelValues(providerName, model, stage).Add(result.Cost)
		m.latency.WithLabelValues(providerName, model, stage).Observe(float64(result.LatencyMs) / 1000)
	}
}

// StatsBy aggregates recorded calls under the given grouping function.
func (m *Metrics) StatsBy(group func(provider, model string, stageID int, project string) string) map[string]CallStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CallStats)
	for key, st := range m.stats {
		k := group(key.Provider, key.Model, key.StageID, key.Project)
		agg := out[k]
		agg.Calls += st.Calls
		agg.Failures += st.Failures
		agg.InputTokens += st.InputTokens
		agg.OutputTokens += st.OutputTokens
		agg.CostUSD += st.CostUSD
		agg.LatencyMsSum += st.LatencyMsSum
		out[k] = agg
	}
	return out
}

// ByProvider aggregates stats per provider name.
func (m *Metrics) ByProvider() map[string]CallStats {
	return m.StatsBy(func(p, _ string, _ int, _ string) string { return p })
}

// ByModel aggregates stats per model name.
func (m *Metrics) ByModel() map[string]CallStats {
	return m.StatsBy(func(_, model string, _ int, _ string) string { return model })
}

// ByProject aggregates stats per project id.
func (m *Metrics) ByProject() map[string]CallStats {
	return m.StatsBy(func(_, _ string, _ int, project string) string { return project })
}
