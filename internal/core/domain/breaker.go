package domain

import "time"

// BreakerKeyKind distinguishes a server-level breaker key ("serverId") from
// a model-level breaker key ("serverId:model") — the two-level circuit
// breaker scoping.
type BreakerKeyKind int

const (
	BreakerKeyServer BreakerKeyKind = iota
	BreakerKeyServerModel
)

// BreakerState is the circuit breaker's three-state machine.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ModelType records whether the recovery coordinator has learned this
// model key serves generation or embedding requests. It persists across
// restarts and biases future probes.
type ModelType int

const (
	ModelTypeUnknown ModelType = iota
	ModelTypeGeneration
	ModelTypeEmbedding
)

func (t ModelType) String() string {
	switch t {
	case ModelTypeGeneration:
		return "generation"
	case ModelTypeEmbedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// ErrorCategory is the error taxonomy. It drives breaker accounting,
// cooldown/ban state, and same-server retry eligibility.
type ErrorCategory int

const (
	ErrorCategoryRetryable ErrorCategory = iota // default / unknown
	ErrorCategoryPermanent
	ErrorCategoryNonRetryable
	ErrorCategoryTransient
	ErrorCategoryClientMisrouted // embedding-only model refused generation; not a server failure
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryPermanent:
		return "permanent"
	case ErrorCategoryNonRetryable:
		return "non_retryable"
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryClientMisrouted:
		return "client_misrouted"
	default:
		return "retryable"
	}
}

// IsFailure reports whether the category counts as a breaker failure.
// client-misrouted is carried through the breaker as a non-failure.
func (c ErrorCategory) IsFailure() bool {
	return c != ErrorCategoryClientMisrouted
}

// BreakerSnapshot is the observable state of one breaker key, used by both
// the admin surface and the persistence snapshot.
type BreakerSnapshot struct {
	LastFailureAt            time.Time
	LastSuccessAt            time.Time
	NextRetryAt              time.Time
	HalfOpenStartedAt        time.Time
	LastFailureReason        string
	Key                      string
	State                    BreakerState
	ModelType                ModelType
	FailureCount             int64
	SuccessCount             int64
	ConsecutiveSuccesses     int64
	TotalRequestCount        int64
	BlockedRequestCount      int64
	RetryableErrors          int64
	NonRetryableErrors       int64
	TransientErrors          int64
	PermanentErrors          int64
	ErrorRate                float64
	HalfOpenAttempts         int64
	ActiveTestsInProgress    int64
	ConsecutiveFailedRecoveries int64
	LastFailureCategory      ErrorCategory
}
