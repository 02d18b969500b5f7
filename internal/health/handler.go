package health

import (
	"encoding/json"
	"net/http"
)

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HealthzHandler answers liveness. A nil probe is always healthy.
func HealthzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ok")
}

// ReadyzHandler answers readiness. A nil probe is always ready.
func ReadyzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ready")
}

func handler(p Probe, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")

		body := status{Status: okStatus}
		code := http.StatusOK
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				body = status{Status: "unavailable", Reason: err.Error()}
				code = http.StatusServiceUnavailable
			}
		}
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}
