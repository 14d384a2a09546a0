package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns a client for calls to the named upstream. Requests are
// traced through otelhttp and recorded with RecordUpstreamCall.
func NewHTTPClient(upstream string, timeout time.Duration, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(&recordingTransport{upstream: upstream, next: base}),
		// Redirects from the origin are returned to the client as-is.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type recordingTransport struct {
	upstream string
	next     http.RoundTripper
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)

	call := UpstreamCall{
		Upstream: t.upstream,
		Method:   req.Method,
		Err:      err,
		Duration: time.Since(start),
	}
	if resp != nil {
		call.StatusCode = resp.StatusCode
	}
	RecordUpstreamCall(req.Context(), call)
	return resp, err
}
