package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
)

func testEndpoint(t *testing.T, server *httptest.Server) *domain.Endpoint {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return &domain.Endpoint{URL: u, Name: "backend-a", ID: "backend-a"}
}

func newTestTransport() *Transport {
	return New(config.ProxyConfig{}, nil, nil, nil)
}

func TestForward_BufferedNonStreamingSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"hi","eval_count":12,"prompt_eval_count":4}`))
	}))
	defer server.Close()

	tr := newTestTransport()
	rec := httptest.NewRecorder()
	req := &Request{Method: http.MethodPost, Path: "/api/generate", ResponseW: rec}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "llama3")

	require.NoError(t, outcome.Err)
	assert.Equal(t, int64(12), outcome.TokensGenerated)
	assert.Equal(t, int64(4), outcome.TokensPrompt)
	assert.False(t, outcome.Streaming)
	assert.Equal(t, 200, rec.Code)
}

func TestForward_StreamingPassthroughCapturesTTFT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"response":"a","eval_count":1}` + "\n"))
		flusher.Flush()
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte(`{"response":"b","eval_count":5,"prompt_eval_count":3,"done":true}` + "\n"))
		flusher.Flush()
	}))
	defer server.Close()

	tr := newTestTransport()
	rec := httptest.NewRecorder()
	req := &Request{Method: http.MethodPost, Path: "/api/generate", ResponseW: rec}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "llama3")

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Streaming)
	assert.Equal(t, int64(5), outcome.TokensGenerated)
	assert.Equal(t, int64(3), outcome.TokensPrompt)
	assert.Greater(t, outcome.TTFT, time.Duration(0))

	body := rec.Body.String()
	assert.Contains(t, body, `"response":"a"`)
	assert.Contains(t, body, `"response":"b"`)
}

func TestForward_ModelNotFoundIsPermanentModelScoped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer server.Close()

	tr := newTestTransport()
	req := &Request{Method: http.MethodPost, Path: "/api/generate"}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "ghost-model")

	require.Error(t, outcome.Err)
	assert.Equal(t, domain.ErrorCategoryPermanent, outcome.Category)
	assert.False(t, outcome.ServerWide)
}

func TestForward_ServerErrorIsServerWidePermanentWhen507(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	defer server.Close()

	tr := newTestTransport()
	req := &Request{Method: http.MethodPost, Path: "/api/generate"}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "llama3")

	require.Error(t, outcome.Err)
	assert.Equal(t, domain.ErrorCategoryPermanent, outcome.Category)
	assert.True(t, outcome.ServerWide)
}

func TestForward_EmbeddingOnlyRefusalIsClientMisroutedNotFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"this is an embedding model and does not support generate"}`))
	}))
	defer server.Close()

	tr := newTestTransport()
	req := &Request{Method: http.MethodPost, Path: "/api/generate"}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "embed-model")

	assert.NoError(t, outcome.Err)
	assert.Equal(t, domain.ErrorCategoryClientMisrouted, outcome.Category)
}

func TestForward_ServiceUnavailableIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := newTestTransport()
	req := &Request{Method: http.MethodPost, Path: "/api/generate"}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "llama3")

	require.Error(t, outcome.Err)
	assert.Equal(t, domain.ErrorCategoryRetryable, outcome.Category)
}

func TestForward_ConnectionRefusedIsRetryable(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1")
	endpoint := &domain.Endpoint{URL: u, Name: "down"}

	tr := newTestTransport()
	req := &Request{Method: http.MethodGet, Path: "/api/tags"}

	outcome := tr.Forward(context.Background(), req, endpoint, "llama3")

	require.Error(t, outcome.Err)
	assert.Equal(t, domain.ErrorCategoryRetryable, outcome.Category)
}

func TestForward_DeadlineExceededIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport()
	req := &Request{Method: http.MethodGet, Path: "/api/tags", Timeout: 5 * time.Millisecond}

	outcome := tr.Forward(context.Background(), req, testEndpoint(t, server), "llama3")

	require.Error(t, outcome.Err)
	assert.Equal(t, domain.ErrorCategoryTransient, outcome.Category)
}
