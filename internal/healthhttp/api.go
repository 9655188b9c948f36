// Package healthhttp serves the monitor's verdict to orchestration probes.
package healthhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/sidecar-health/internal/health"
	"github.com/keithlinneman/sidecar-health/internal/log"
)

const (
	DefaultPath = "/healthz"

	// DefaultLogInterval bounds how often an unchanged failing verdict is logged.
	DefaultLogInterval = 30 * time.Second
)

// Evaluator is the part of health.Monitor the probe handler needs.
type Evaluator interface {
	Evaluate() health.Verdict
}

// Source adds the snapshot used by the detail endpoint.
type Source interface {
	Evaluator
	Snapshot() health.Status
}

type config struct {
	onVerdict   func(health.Verdict)
	logInterval time.Duration
}

type Option func(*config)

// WithOnVerdict registers a callback invoked with every evaluated verdict.
func WithOnVerdict(fn func(health.Verdict)) Option {
	return func(c *config) { c.onVerdict = fn }
}

// WithLogInterval overrides DefaultLogInterval. Non-positive values are ignored.
func WithLogInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.logInterval = d
		}
	}
}

func newConfig(opts []Option) config {
	c := config{logInterval: DefaultLogInterval}
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}

// verdictLog logs verdict transitions immediately and repeats of the same
// failing verdict at most once per interval.
type verdictLog struct {
	last      atomic.Int64
	sometimes *rate.Sometimes
}

func newVerdictLog(interval time.Duration) *verdictLog {
	vl := &verdictLog{sometimes: &rate.Sometimes{Interval: interval}}
	vl.last.Store(int64(health.VerdictOK))
	return vl
}

func (vl *verdictLog) observe(r *http.Request, v health.Verdict) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	prev := health.Verdict(vl.last.Swap(int64(v)))

	if v.OK() {
		if !prev.OK() {
			L.Info(ctx, "health check recovered", "previous", prev.Label())
		}
		return
	}
	if prev != v {
		L.Warn(ctx, "health check failing", "verdict", v.Label(), "reason", v.String(), "previous", prev.Label())
		return
	}
	vl.sometimes.Do(func() {
		L.Warn(ctx, "health check still failing", "verdict", v.Label(), "reason", v.String())
	})
}

// Handler evaluates ev on every request. OK answers 200 "OK", anything else
// answers 503 with the verdict text as the body.
func Handler(ev Evaluator, opts ...Option) http.Handler {
	c := newConfig(opts)
	vl := newVerdictLog(c.logInterval)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := health.VerdictNotReady
		if ev != nil {
			v = ev.Evaluate()
		}
		if c.onVerdict != nil {
			c.onVerdict(v)
		}
		vl.observe(r, v)

		body := v.String()
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(statusFor(v))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(body))
	})
}

func statusFor(v health.Verdict) int {
	if v.OK() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// Detail is the JSON body of the detail endpoint.
type Detail struct {
	Status                  string  `json:"status"`
	Verdict                 string  `json:"verdict"`
	Ready                   bool    `json:"ready"`
	LastContact             string  `json:"last_contact"`
	ContactAgeSeconds       float64 `json:"contact_age_seconds"`
	ContactThresholdSeconds float64 `json:"contact_threshold_seconds"`
	Workers                 int     `json:"workers"`
	WorkersAlive            int     `json:"workers_alive"`
}

// NewDetail converts a monitor snapshot into its wire form.
func NewDetail(s health.Status) Detail {
	return Detail{
		Status:                  s.Verdict.Label(),
		Verdict:                 s.Verdict.String(),
		Ready:                   s.Ready,
		LastContact:             s.LastContact.UTC().Format(time.RFC3339Nano),
		ContactAgeSeconds:       s.ContactAge.Seconds(),
		ContactThresholdSeconds: s.ContactThreshold.Seconds(),
		Workers:                 s.Workers,
		WorkersAlive:            s.WorkersAlive,
	}
}

// DetailHandler serves the snapshot as JSON. The status code mirrors the verdict.
func DetailHandler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := src.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(statusFor(s.Verdict))
		if r.Method == http.MethodHead {
			return
		}
		if err := json.NewEncoder(w).Encode(NewDetail(s)); err != nil {
			log.FromContext(r.Context()).Error(r.Context(), err, "encode health detail")
		}
	})
}

// API mounts the probe endpoint and its detail view on a router.
type API struct {
	Source Source
	Path   string
	opts   []Option
}

// NewAPI constructs the health API. An empty path means DefaultPath.
func NewAPI(src Source, path string, opts ...Option) *API {
	return &API{Source: src, Path: NormalizePath(path), opts: opts}
}

// NormalizePath returns DefaultPath for "" and ensures a single leading slash
// and no trailing slash.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return DefaultPath
	}
	return p
}

// RegisterRoutes attaches {path} and {path}/detail for GET and HEAD.
func (api *API) RegisterRoutes(r chi.Router) {
	probe := Handler(api.Source, api.opts...)
	detail := DetailHandler(api.Source)
	for _, m := range []string{http.MethodGet, http.MethodHead} {
		r.Method(m, api.Path, probe)
		r.Method(m, api.Path+"/detail", detail)
	}
}
