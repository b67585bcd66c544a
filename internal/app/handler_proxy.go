package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/olla-router/olla/internal/adapter/proxy"
	"github.com/olla-router/olla/internal/app/middleware"
	"github.com/olla-router/olla/internal/core/constants"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/orchestrator"
	"github.com/olla-router/olla/internal/util"
)

// inferenceRequestBody is the subset of fields shared by every
// model-scoped request the proxy needs to read: which model to route to.
// Everything else in the body passes through to the backend untouched.
type inferenceRequestBody struct {
	Model string `json:"model"`
}

// embeddingPathMarkers are substrings of a backend inference path that
// identify an embeddings call rather than a generation call.
var embeddingPathMarkers = []string{"embed"}

func modelTypeForPath(path string) domain.ModelType {
	lower := strings.ToLower(path)
	for _, marker := range embeddingPathMarkers {
		if strings.Contains(lower, marker) {
			return domain.ModelTypeEmbedding
		}
	}
	return domain.ModelTypeGeneration
}

// proxyHandler dispatches one inbound inference request through the
// Orchestrator, which retries across candidates via transport.AttemptFunc;
// a successful attempt writes its response straight to w (see
// proxy.Transport.Forward), so this handler only needs to produce a
// response body itself when Dispatch returns an error.
func (a *Application) proxyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		requestID = util.GenerateRequestID()
	}

	cfg := a.config()

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, cfg.Server.RequestLimits.MaxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	model := extractModel(bodyBytes)
	if model == "" {
		writeJSONError(w, http.StatusBadRequest, "request body must name a model")
		return
	}
	want := modelTypeForPath(r.URL.Path)

	backendPath := strings.TrimPrefix(r.URL.Path, constants.DefaultOllaProxyPathPrefix)
	if !strings.HasPrefix(backendPath, "/") {
		backendPath = "/" + backendPath
	}

	req := proxy.NewRequest(r, w, backendPath, requestID, cfg.Proxy.ResponseTimeout)
	attemptFn := a.transport.AttemptFunc(req)

	start := time.Now()
	endpoint, outcome, dispatchErr := a.orch.Dispatch(ctx, model, want, attemptFn)
	latency := time.Since(start)

	a.recordRequestHistory(requestID, r, model, endpoint, outcome, latency, dispatchErr)
	a.recordDecision(requestID, model, endpoint, latency, dispatchErr)
	a.persistenceStore.MarkDirty()

	if dispatchErr == nil {
		return
	}

	status, reason := proxyErrorStatus(dispatchErr)
	writeJSONError(w, status, reason)
}

func extractModel(body []byte) string {
	var parsed inferenceRequestBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Model
}

func proxyErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrNoCandidates):
		return http.StatusNotFound, "model not found on any admissible backend"
	case errors.Is(err, orchestrator.ErrDraining):
		return http.StatusServiceUnavailable, "server is draining, not admitting new requests"
	case errors.Is(err, orchestrator.ErrDrainTimeout):
		return http.StatusServiceUnavailable, "drain deadline exceeded"
	case errors.Is(err, orchestrator.ErrExhausted):
		return http.StatusBadGateway, "all candidate backends failed"
	default:
		return http.StatusBadGateway, err.Error()
	}
}

func endpointKey(e *domain.Endpoint) string {
	if e == nil {
		return ""
	}
	return e.Key()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (a *Application) recordRequestHistory(requestID string, r *http.Request, model string, endpoint *domain.Endpoint, outcome orchestrator.AttemptOutcome, latency time.Duration, dispatchErr error) {
	status := outcome.StatusCode
	if dispatchErr != nil && status == 0 {
		status, _ = proxyErrorStatus(dispatchErr)
	}
	a.requestHistory.Record(domain.RequestHistoryEntry{
		Timestamp: time.Now(),
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Model:     model,
		ServerID:  endpointKey(endpoint),
		Status:    status,
		Latency:   latency,
		Streaming: outcome.Streaming,
		Err:       errString(dispatchErr),
	})
}

func (a *Application) recordDecision(requestID, model string, endpoint *domain.Endpoint, latency time.Duration, dispatchErr error) {
	outcome := "success"
	reason := ""
	if dispatchErr != nil {
		outcome = "failure"
		reason = dispatchErr.Error()
	}
	a.decisionHistory.Record(domain.DecisionLogEntry{
		Timestamp:      time.Now(),
		RequestID:      requestID,
		Model:          model,
		SelectedServer: endpointKey(endpoint),
		Outcome:        outcome,
		Reason:         reason,
		Latency:        latency,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
