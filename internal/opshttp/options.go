package opshttp

import (
	"net/http"

	"github.com/keithlinneman/iplimit/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// OnPanic is called after a handler panic is recovered, typically to
	// bump the panic counter.
	OnPanic func()
}
