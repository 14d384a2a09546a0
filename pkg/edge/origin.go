package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-edge/pkg/domain"
)

// originRequest builds the request sent to the origin for path, keeping the
// client's method, headers, query and body.
func (h *Handler) originRequest(ctx context.Context, r *http.Request, path string) (*http.Request, error) {
	target := *h.cfg.OriginURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	out.ContentLength = r.ContentLength

	for key, values := range r.Header {
		if isHopByHopHeader(key) {
			continue
		}
		out.Header[key] = append([]string(nil), values...)
	}

	if r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		out.Header.Set("X-Forwarded-Proto", proto)
	}
	return out, nil
}

// copyResponse streams resp to w, dropping hop-by-hop headers.
func (h *Handler) copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("response body copy interrupted", "error", err)
	}
}

// writeError sends the JSON error model with the current trace id.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, statusCode int, code, message string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// isHopByHopHeader identifies headers that apply to a single connection.
func isHopByHopHeader(header string) bool {
	_, ok := hopByHopHeaders[http.CanonicalHeaderKey(header)]
	return ok
}
