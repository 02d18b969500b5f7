package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/iplimit/internal/health"
	"github.com/keithlinneman/iplimit/internal/httpmw"
	"github.com/keithlinneman/iplimit/internal/log"
)

// RouteRegistrar is implemented by hostapi.API and adminapi.API.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes caps request bodies. Login and admin bodies are a few
	// hundred bytes; 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Health and Readiness are served on the API port as well as the ops
	// port when set, for hosts that only reach the API listener.
	Health    health.Probe
	Readiness health.Probe

	Routes []RouteRegistrar
}
