// Package proxy implements ProxyTransport: the outbound HTTP call a
// selected backend receives, streaming-aware, and the
// orchestrator.AttemptFunc adapter the Orchestrator dispatches through.
// Built around a pooled, tuned *http.Client (connection reuse) and
// content-type-based streaming detection, as a single transport — the
// dispatch/retry logic lives entirely in internal/orchestrator so this
// package only needs to make one call and report what happened.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/core/ports"
	"github.com/olla-router/olla/internal/logger"
	"github.com/olla-router/olla/internal/orchestrator"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxConnsPerHost     = 50
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultStreamBufferSize    = 32 * 1024
	defaultConnectTimeout      = 10 * time.Second
	defaultKeepAlive           = 30 * time.Second
)

// streamingTypes are content types known to be streaming formats; a
// response carrying one of these is always streamed through regardless
// of size.
var streamingTypes = []string{
	"text/event-stream",
	"application/x-ndjson",
	"application/stream+json",
	"application/json-seq",
}

var binaryPrefixes = []string{"image/", "video/", "audio/", "application/pdf", "application/zip", "font/"}

// Transport is the ProxyTransport: it owns the outbound *http.Transport
// and performs one forwarding attempt per call, reporting an
// orchestrator.AttemptOutcome.
type Transport struct {
	client           *http.Client
	statsCollector   ports.StatsCollector
	metricsExtractor ports.MetricsExtractor
	logger           *logger.StyledLogger
	streamBufferSize int
}

// New builds a Transport with a tuned connection-pooling recipe: bounded
// idle connections, HTTP/2 where available, TCP keepalive and nodelay on
// every dial.
func New(cfg config.ProxyConfig, statsCollector ports.StatsCollector, metricsExtractor ports.MetricsExtractor, log *logger.StyledLogger) *Transport {
	bufSize := cfg.StreamBufferSize
	if bufSize <= 0 {
		bufSize = defaultStreamBufferSize
	}

	httpTransport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: defaultConnectTimeout, KeepAlive: defaultKeepAlive}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
				_ = tcpConn.SetKeepAlive(true)
				_ = tcpConn.SetKeepAlivePeriod(defaultKeepAlive)
			}
			return conn, nil
		},
		MaxResponseHeaderBytes: 32 << 10,
	}
	if cto := cfg.ConnectionTimeout; cto > 0 {
		httpTransport.TLSHandshakeTimeout = cto
	}

	return &Transport{
		client:           &http.Client{Transport: httpTransport},
		statsCollector:   statsCollector,
		metricsExtractor: metricsExtractor,
		logger:           log,
		streamBufferSize: bufSize,
	}
}

// Request carries the inbound call's HTTP surface through to Forward; the
// Orchestrator only knows about endpoint/model, not about http.Request.
type Request struct {
	Method      string
	Path        string // path on the backend, already stripped/rewritten by the caller
	Header      http.Header
	Body        io.ReadCloser
	RequestID   string
	Timeout     time.Duration
	ResponseW   http.ResponseWriter // non-nil enables streaming passthrough to the client
	origRequest *http.Request
}

// NewRequest adapts an inbound *http.Request into a proxy.Request,
// targeting path on the selected backend.
func NewRequest(r *http.Request, w http.ResponseWriter, path, requestID string, timeout time.Duration) *Request {
	return &Request{
		Method:      r.Method,
		Path:        path,
		Header:      r.Header,
		Body:        r.Body,
		RequestID:   requestID,
		Timeout:     timeout,
		ResponseW:   w,
		origRequest: r,
	}
}

// AttemptFunc binds req to the Orchestrator's orchestrator.AttemptFunc
// seam: Dispatch calls the returned closure once per candidate, Forward
// performs the actual I/O.
func (t *Transport) AttemptFunc(req *Request) orchestrator.AttemptFunc {
	return func(ctx context.Context, endpoint *domain.Endpoint, model string) orchestrator.AttemptOutcome {
		return t.Forward(ctx, req, endpoint, model)
	}
}

// Forward performs one outbound call to endpoint for model, streaming the
// response through to req.ResponseW as it arrives when req.ResponseW is
// set, or buffering and returning the full body otherwise.
func (t *Transport) Forward(ctx context.Context, req *Request, endpoint *domain.Endpoint, model string) orchestrator.AttemptOutcome {
	start := time.Now()

	target := buildTargetURL(endpoint, req.Path)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = req.Body
	}

	outbound, err := http.NewRequestWithContext(attemptCtx, req.Method, target.String(), bodyReader)
	if err != nil {
		return orchestrator.AttemptOutcome{Err: err, Category: domain.ErrorCategoryNonRetryable, Latency: time.Since(start)}
	}
	if req.origRequest != nil {
		copyHeaders(outbound, req.origRequest)
	} else {
		outbound.Header = req.Header.Clone()
	}
	if endpoint.CredentialHeader != "" && endpoint.CredentialValue != "" {
		outbound.Header.Set(endpoint.CredentialHeader, endpoint.CredentialValue)
	}

	resp, err := t.client.Do(outbound)
	if err != nil {
		cat, _ := classify(err, 0)
		t.recordFailure(endpoint, time.Since(start))
		return orchestrator.AttemptOutcome{Err: err, Category: cat, Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return t.handleErrorResponse(resp, endpoint, start)
	}

	if req.ResponseW != nil {
		return t.forwardStreamingOrBuffered(attemptCtx, req.ResponseW, resp, endpoint, start)
	}
	return t.bufferResponse(resp, endpoint, start)
}

func buildTargetURL(endpoint *domain.Endpoint, path string) *url.URL {
	u := *endpoint.URL
	if path != "" {
		u.Path = joinPath(u.Path, path)
	}
	return &u
}

func joinPath(base, extra string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(extra, "/") {
		extra = "/" + extra
	}
	return base + extra
}

func (t *Transport) handleErrorResponse(resp *http.Response, endpoint *domain.Endpoint, start time.Time) orchestrator.AttemptOutcome {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	cat, isFailure := classify(nil, resp.StatusCode)

	if misroutedToGeneration(resp.StatusCode, body) {
		cat = domain.ErrorCategoryClientMisrouted
		isFailure = false
	}

	latency := time.Since(start)
	if isFailure {
		t.recordFailure(endpoint, latency)
	} else {
		t.recordSuccess(endpoint, latency, int64(len(body)))
	}

	var outErr error
	if cat != domain.ErrorCategoryClientMisrouted {
		outErr = httpStatusError(resp.StatusCode)
	}

	return orchestrator.AttemptOutcome{
		Err:        outErr,
		Category:   cat,
		StatusCode: resp.StatusCode,
		Latency:    latency,
		ServerWide: serverWide(resp.StatusCode),
	}
}

func (t *Transport) bufferResponse(resp *http.Response, endpoint *domain.Endpoint, start time.Time) orchestrator.AttemptOutcome {
	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		t.recordFailure(endpoint, latency)
		cat, _ := classify(err, 0)
		return orchestrator.AttemptOutcome{Err: err, Category: cat, Latency: latency, StatusCode: resp.StatusCode}
	}

	t.recordSuccess(endpoint, latency, int64(len(body)))
	t.logProviderMetrics(resp, body, endpoint)
	env := parseNonStream(body)
	return orchestrator.AttemptOutcome{
		Category:        domain.ErrorCategoryRetryable, // unused on success
		StatusCode:      resp.StatusCode,
		Latency:         latency,
		TokensGenerated: env.TokensGenerated,
		TokensPrompt:    env.TokensPrompt,
	}
}

// logProviderMetrics is a best-effort, non-blocking debug log of
// backend-reported metrics extracted from the response.
func (t *Transport) logProviderMetrics(resp *http.Response, body []byte, endpoint *domain.Endpoint) {
	if t.metricsExtractor == nil || t.logger == nil || endpoint == nil {
		return
	}
	pm := t.metricsExtractor.ExtractMetrics(context.Background(), body, resp.Header, endpoint.Name)
	if pm == nil {
		return
	}
	t.logger.Debug("provider metrics extracted", "endpoint", endpoint.Name, "total_tokens", pm.TotalTokens)
}

func (t *Transport) forwardStreamingOrBuffered(ctx context.Context, w http.ResponseWriter, resp *http.Response, endpoint *domain.Endpoint, start time.Time) orchestrator.AttemptOutcome {
	streaming := autoDetectStreaming(resp)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if !streaming {
		body, err := io.ReadAll(resp.Body)
		latency := time.Since(start)
		if err != nil {
			t.recordFailure(endpoint, latency)
			cat, _ := classify(err, 0)
			return orchestrator.AttemptOutcome{Err: err, Category: cat, Latency: latency, StatusCode: resp.StatusCode}
		}
		_, _ = w.Write(body)
		t.recordSuccess(endpoint, latency, int64(len(body)))
		env := parseNonStream(body)
		return orchestrator.AttemptOutcome{StatusCode: resp.StatusCode, Latency: latency, TokensGenerated: env.TokensGenerated, TokensPrompt: env.TokensPrompt}
	}

	scanner := newStreamScanner()
	buffer := make([]byte, t.streamBufferSize)
	flusher, canFlush := w.(http.Flusher)
	totalBytes := int64(0)

	for {
		select {
		case <-ctx.Done():
			latency := time.Since(start)
			t.recordFailure(endpoint, latency)
			return orchestrator.AttemptOutcome{Err: ctx.Err(), Category: domain.ErrorCategoryTransient, Latency: latency, Streaming: true}
		default:
		}

		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			if _, writeErr := w.Write(chunk); writeErr != nil {
				latency := time.Since(start)
				t.recordFailure(endpoint, latency)
				return orchestrator.AttemptOutcome{Err: writeErr, Category: domain.ErrorCategoryTransient, Latency: latency, Streaming: true}
			}
			totalBytes += int64(n)
			scanner.observe(chunk)
			if canFlush {
				flusher.Flush()
			}
		}

		if readErr != nil {
			latency := time.Since(start)
			if readErr == io.EOF {
				t.recordSuccess(endpoint, latency, totalBytes)
				env := scanner.result()
				return orchestrator.AttemptOutcome{
					StatusCode:      resp.StatusCode,
					Latency:         latency,
					TTFT:            env.TTFT,
					TokensGenerated: env.TokensGenerated,
					TokensPrompt:    env.TokensPrompt,
					Streaming:       true,
				}
			}
			t.recordFailure(endpoint, latency)
			cat, _ := classify(readErr, 0)
			return orchestrator.AttemptOutcome{Err: readErr, Category: cat, Latency: latency, Streaming: true}
		}
	}
}

// autoDetectStreaming decides whether to stream or buffer a response: known
// streaming content types always stream, known binary types never do,
// everything else streams (LLM wire formats are overwhelmingly
// line-delimited text).
func autoDetectStreaming(resp *http.Response) bool {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	for _, st := range streamingTypes {
		if strings.Contains(contentType, st) {
			return true
		}
	}
	for _, prefix := range binaryPrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return false
		}
	}
	return true
}

func (t *Transport) recordSuccess(endpoint *domain.Endpoint, latency time.Duration, bytes int64) {
	if t.statsCollector != nil {
		t.statsCollector.RecordRequest(endpoint, "success", latency, bytes)
	}
}

func (t *Transport) recordFailure(endpoint *domain.Endpoint, latency time.Duration) {
	if t.statsCollector != nil {
		t.statsCollector.RecordRequest(endpoint, "error", latency, 0)
	}
}

type httpStatusErr struct{ code int }

func (e httpStatusErr) Error() string { return "backend returned status " + strconv.Itoa(e.code) }

func httpStatusError(code int) error { return httpStatusErr{code: code} }
