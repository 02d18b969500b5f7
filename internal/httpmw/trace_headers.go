package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Default response headers for TraceResponseHeaders.
const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// TraceResponseHeaders echoes the trace and span ids on host and admin API
// responses. A host that logs the trace id next to a login result can find
// the admission span that decided it. Empty names use TraceIDHeader and
// SpanIDHeader. Unsampled spans are echoed too, since the host logs the
// decision either way.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = TraceIDHeader
	}
	if spanHeader == "" {
		spanHeader = SpanIDHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				w.Header().Set(traceHeader, sc.TraceID().String())
				w.Header().Set(spanHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
