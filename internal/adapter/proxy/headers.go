package proxy

import (
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/olla-router/olla/internal/version"
)

// X-Olla-* headers identify the proxy and the backend it routed to,
// mirrored on every outbound/inbound response pair so a caller can see
// which server actually served a request.
const (
	HeaderRequestID   = "X-Olla-Request-ID"
	HeaderEndpoint    = "X-Olla-Endpoint"
	HeaderBackendType = "X-Olla-Backend-Type"
	HeaderModel       = "X-Olla-Model"
)

var sensitiveHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
	"X-Auth-Token",
	"Proxy-Authorization",
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func proxiedByHeader() string {
	return version.Name + "/" + version.Version
}

func viaHeader() string {
	return "1.1 " + version.Name + "/" + version.Version
}

// copyHeaders copies headers from inbound onto outbound, stripping
// hop-by-hop and credential-bearing headers and adding the usual
// forwarding trail (RFC 7230 §5.7.1, RFC 2616 §13.5.1).
func copyHeaders(outbound, inbound *http.Request) {
	outbound.Header = make(http.Header, len(inbound.Header))
	for name, values := range inbound.Header {
		if isHopByHop(name) || isSensitive(name) {
			continue
		}
		outbound.Header[name] = values
	}

	if inbound.Host != "" {
		outbound.Host = inbound.Host
	}

	outbound.Header.Set("X-Proxied-By", proxiedByHeader())
	if via := inbound.Header.Get("Via"); via != "" {
		outbound.Header.Set("Via", via+", "+viaHeader())
	} else {
		outbound.Header.Set("Via", viaHeader())
	}

	clientIP := extractClientIP(inbound)
	if inbound.Header.Get("X-Real-IP") == "" && clientIP != "" {
		outbound.Header.Set("X-Real-IP", clientIP)
	}
	updateForwardedHeaders(outbound, inbound, clientIP)
}

func updateForwardedHeaders(outbound, inbound *http.Request, clientIP string) {
	if forwarded := inbound.Header.Get("X-Forwarded-For"); forwarded != "" {
		if clientIP != "" {
			outbound.Header.Set("X-Forwarded-For", forwarded+", "+clientIP)
		} else {
			outbound.Header.Set("X-Forwarded-For", forwarded)
		}
	} else if clientIP != "" {
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	if inbound.Header.Get("X-Forwarded-Proto") == "" {
		if inbound.TLS != nil {
			outbound.Header.Set("X-Forwarded-Proto", "https")
		} else {
			outbound.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	if inbound.Header.Get("X-Forwarded-Host") == "" && inbound.Host != "" {
		outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	}
}

func isHopByHop(name string) bool {
	return slices.ContainsFunc(hopByHopHeaders, func(h string) bool { return strings.EqualFold(h, name) })
}

func isSensitive(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	return slices.ContainsFunc(sensitiveHeaders, func(h string) bool { return h == canon })
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setResponseHeaders stamps identification headers on the response sent
// back to the inbound caller.
func setResponseHeaders(w http.ResponseWriter, requestID, model string, endpointName, endpointType string) {
	h := w.Header()
	h.Set("X-Served-By", proxiedByHeader())
	h.Set("Via", viaHeader())
	if requestID != "" {
		h.Set(HeaderRequestID, requestID)
	}
	if endpointName != "" {
		h.Set(HeaderEndpoint, endpointName)
		h.Set(HeaderBackendType, endpointType)
	}
	if model != "" {
		h.Set(HeaderModel, model)
	}
}
