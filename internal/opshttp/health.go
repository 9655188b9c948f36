package opshttp

import (
	"net/http"

	"github.com/keithlinneman/sidecar-health/internal/health"
)

// probeHandler answers 200 with okBody when p passes and 503 with the
// failure reason otherwise. A nil probe always passes.
func probeHandler(p health.Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}

// HealthzHandler reports liveness, 503 carries the verdict text.
func HealthzHandler(p health.Probe) http.HandlerFunc { return probeHandler(p, "ok") }

// ReadyzHandler reports readiness.
func ReadyzHandler(p health.Probe) http.HandlerFunc { return probeHandler(p, "ready") }
