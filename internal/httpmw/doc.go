// Package httpmw provides HTTP middleware for the health and ops listeners.
//
// Middleware is composed in httpserver.NewHandler, outermost first: recover,
// request ID, otelhttp, trace response headers, metrics, request-scoped
// logging, then the chi router with [AccessLog] mounted inside it so the
// route pattern is known. Probe paths are matched with [QuietPaths] so the
// kubelet's periodic probing never reaches the log.
package httpmw
