package domain

import "time"

// InFlightCounters is the per-(server[,model]) concurrency accounting the
// Orchestrator and LoadBalancer consult before admitting a request.
// Regular and bypass (active-recovery probe) counts are tracked
// separately: bypass traffic never counts against MaxConcurrency.
type InFlightCounters struct {
	Regular int64
	Bypass  int64
}

// Cooldown marks a server[,model] key as temporarily ineligible outside
// the breaker state machine — e.g. after a burst of non-retryable errors
// that don't warrant tripping the breaker but shouldn't be retried
// immediately either.
type Cooldown struct {
	Key       string
	Reason    string
	ExpiresAt time.Time
}

// BanEntry marks a server[,model] key as permanently excluded from
// selection until an operator clears it.
type BanEntry struct {
	BannedAt time.Time
	Key      string
	Reason   string
}

// DynamicTimeout is a learned per-key request timeout that adapts from
// observed latency rather than a single static config value.
type DynamicTimeout struct {
	Key       string
	Timeout   time.Duration
	UpdatedAt time.Time
	Samples   int64
}
