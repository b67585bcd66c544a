package domain

import "time"

// MetricsWindow names one of the fixed rolling windows the
// MetricsAggregator maintains per key.
type MetricsWindow string

const (
	Window1m  MetricsWindow = "1m"
	Window5m  MetricsWindow = "5m"
	Window15m MetricsWindow = "15m"
	Window1h  MetricsWindow = "1h"
)

var AllMetricsWindows = []MetricsWindow{Window1m, Window5m, Window15m, Window1h}

// RequestSample is one completed request's observation, fed into the
// MetricsAggregator and into the request-history ring.
type RequestSample struct {
	Timestamp       time.Time
	ServerID        string
	Model           string
	Latency         time.Duration
	TTFT            time.Duration // time-to-first-token, streaming only; zero if non-streaming
	TokensGenerated int64
	TokensPrompt    int64
	Success         bool
	Streaming       bool
	ErrorCategory   ErrorCategory
}

// PercentileSet is p50/p95/p99 over a reservoir sample.
type PercentileSet struct {
	P50 float64
	P95 float64
	P99 float64
}

// WindowSnapshot is the rolled-up view of one key for one rolling window.
// Latency and TTFT percentiles cover only samples inside the window, each
// weighted by f(age) = max(minDecayFactor, 2^(-age/halfLifeMs)).
// SampleCount, SuccessCount, FailureCount and SuccessRate are cumulative
// since the key was first recorded, undecayed and the same in every
// window; the aggregator does not fill in TokensPerSecond.
type WindowSnapshot struct {
	Window          MetricsWindow
	SampleCount     int64
	SuccessCount    float64 // cumulative, undecayed
	FailureCount    float64 // cumulative, undecayed
	SuccessRate     float64
	Latency         PercentileSet
	TTFT            PercentileSet
	TokensPerSecond float64
	LastUpdated     time.Time
}

// KeyMetrics is the full per-(server[,model]) metrics record: one
// WindowSnapshot per rolling window plus cumulative lifetime counters.
type KeyMetrics struct {
	Key               string
	Windows           map[MetricsWindow]WindowSnapshot
	LifetimeRequests  int64
	LifetimeFailures  int64
	LifetimeTokensOut int64
	LifetimeTokensIn  int64
}

// GlobalMetrics is the fleet-wide rollup exposed on the analytics endpoint.
type GlobalMetrics struct {
	GeneratedAt      time.Time
	TotalRequests    int64
	TotalFailures    int64
	ServerCount      int
	HealthyServers   int
	ActiveBreakers   int
	QueueDepth       int
	Latency          PercentileSet
	RequestsByServer map[string]int64
	RequestsByModel  map[string]int64
}

// DecisionLogEntry records one dispatch decision for observability on the
// decision-history endpoint.
type DecisionLogEntry struct {
	Timestamp      time.Time
	RequestID      string
	Model          string
	SelectedServer string
	CandidateCount int
	Phase          int // 1, 2 or 3 — which failover phase selected this server
	Attempts       int
	Outcome        string // "success", "failure", "queued", "rejected"
	Reason         string
	Scores         map[string]float64 // serverID -> composite score, for the candidates considered
	Latency        time.Duration
}

// RequestHistoryEntry is a bounded-ring audit record of one inbound request,
// exposed on the request-history endpoint.
type RequestHistoryEntry struct {
	Timestamp time.Time
	RequestID string
	Method    string
	Path      string
	Model     string
	ServerID  string
	Status    int
	Latency   time.Duration
	Streaming bool
	Err       string
}
