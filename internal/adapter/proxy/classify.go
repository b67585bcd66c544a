package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/olla-router/olla/internal/core/domain"
)

// classify maps a completed attempt's transport error and status code onto
// the error taxonomy the Orchestrator's error->state table keys off. Based
// on a connection-error detection pattern, generalized from a binary
// retry/no-retry split into a four-way category.
func classify(err error, statusCode int) (domain.ErrorCategory, bool) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return domain.ErrorCategoryTransient, true
		}

		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return domain.ErrorCategoryTransient, true
			}
			return domain.ErrorCategoryRetryable, true
		}

		var errno syscall.Errno
		if errors.As(err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
				return domain.ErrorCategoryRetryable, true
			}
		}

		if hasConnectionErrorText(err) {
			return domain.ErrorCategoryRetryable, true
		}

		return domain.ErrorCategoryNonRetryable, true
	}

	switch {
	case statusCode < 400:
		return domain.ErrorCategoryRetryable, false // not a failure
	case statusCode == 404, statusCode == 400, statusCode == 422:
		// model not found / malformed request: the server is fine, the
		// request is not — a permanent, model-scoped failure.
		return domain.ErrorCategoryPermanent, true
	case statusCode == 507:
		// out of storage/VRAM: a permanent, whole-server condition.
		return domain.ErrorCategoryPermanent, true
	case statusCode == 429:
		return domain.ErrorCategoryTransient, true
	case statusCode == 503, statusCode == 502, statusCode == 504:
		return domain.ErrorCategoryRetryable, true
	case statusCode >= 500:
		return domain.ErrorCategoryNonRetryable, true
	default: // other 4xx
		return domain.ErrorCategoryNonRetryable, true
	}
}

// misroutedToGeneration reports whether a 4xx body looks like an
// embedding-only model refusing a generation request, using the same
// pattern match as the dedicated embedding-detection probe, applied
// opportunistically on any ordinary generation call.
func misroutedToGeneration(statusCode int, body []byte) bool {
	if statusCode < 400 || statusCode >= 500 {
		return false
	}
	s := strings.ToLower(string(body))
	for _, marker := range []string{
		"does not support",
		"embedding model",
		"not support generate",
		"unsupported for this model",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

var connectionErrorSubstrings = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"no route to host",
	"connection timed out",
	"i/o timeout",
	"dial tcp",
	"broken pipe",
}

func hasConnectionErrorText(err error) bool {
	s := strings.ToLower(err.Error())
	for _, pattern := range connectionErrorSubstrings {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// serverWide reports whether a permanent failure reflects a whole-server
// condition (disk full, OOM, internal fault) rather than a single model
// being unavailable on an otherwise-healthy server. Only 5xx-class
// permanent failures count; 4xx is always model/request scoped.
func serverWide(statusCode int) bool {
	return statusCode >= 500
}
