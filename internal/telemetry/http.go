package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHTTPTransport adds OTEL client spans to an outbound transport.
// Proxy and timeout settings on the wrapped transport are preserved.
func WrapHTTPTransport(transport http.RoundTripper) http.RoundTripper {
	if !IsEnabled() {
		return transport
	}

	return otelhttp.NewTransport(transport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// Paths carry the device name or guide id; keep span names low-cardinality
			return "upstream " + r.Method + " " + r.URL.Host
		}),
	)
}
