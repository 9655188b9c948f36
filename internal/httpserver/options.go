package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sidecar-health/internal/log"
)

// RouteRegistrar mounts a group of routes on the server's router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Routes       []RouteRegistrar

	// QuietPaths are served normally but skipped by access logging and
	// tracing. Probe endpoints are polled every few seconds.
	QuietPaths []string
}
