package ports

import (
	"context"
	"net/http"

	"github.com/olla-router/olla/internal/core/domain"
)

// MetricsExtractor extracts backend-reported metrics (token counts, timing
// breakdowns) from a response body or headers, driven by a single
// JSONPath-based extraction config shared across the fleet (the backends
// are homogeneous, so there is one wire shape to extract from, not one
// per provider).
type MetricsExtractor interface {
	// ValidateConfig validates and pre-compiles the extraction config at
	// startup, surfacing a malformed JSONPath expression before traffic flows.
	ValidateConfig(config domain.MetricsExtractionConfig) error

	// ExtractMetrics attempts to extract metrics from response body and headers
	// Returns nil if extraction fails or is not configured - best effort approach
	ExtractMetrics(ctx context.Context, responseBody []byte, headers http.Header, endpointName string) *domain.ProviderMetrics

	// ExtractFromChunk extracts metrics from a streaming chunk (final chunk for streaming responses)
	ExtractFromChunk(ctx context.Context, chunk []byte, endpointName string) *domain.ProviderMetrics
}
