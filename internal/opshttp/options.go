package opshttp

import (
	"net/http"

	"github.com/keithlinneman/sidecar-health/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Liveness     health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // called once per recovered panic, e.g. to increment http_panic_total
}
