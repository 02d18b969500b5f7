// Package httpmw provides HTTP middleware shared by the host API and the
// ops listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recovery, request ID, client IP, rate limiting, otel tracing, trace
// headers, metrics, request-scoped logging, access log, body limit and the
// chi router.
//
// Request bodies, query strings and headers other than the request id are
// never logged. Session handles and identity ids travel in paths and bodies
// and stay out of access logs except as the matched route pattern.
package httpmw
