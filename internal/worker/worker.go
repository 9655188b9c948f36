// Package worker runs background loops as goroutines whose liveness can be
// observed by the health monitor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/sidecar-health/internal/health"
	"github.com/keithlinneman/sidecar-health/internal/log"
	"github.com/keithlinneman/sidecar-health/internal/xerrors"
)

// Func is a long-running loop. It should return only when ctx is done or on
// an unrecoverable error.
type Func func(ctx context.Context) error

// ErrPanicked is wrapped by the error of a worker whose Func panicked.
var ErrPanicked = errors.New("worker panicked")

// Handle tracks one running worker. It satisfies health.WorkerHandle.
type Handle struct {
	name    string
	alive   atomic.Bool
	done    chan struct{}
	err     error // written once before done is closed
	started time.Time
}

var _ health.WorkerHandle = (*Handle)(nil)

// Start runs fn on a new goroutine. The handle reports alive until fn
// returns or panics. A panic is recovered, logged and recorded as the
// handle's error.
func Start(ctx context.Context, name string, fn Func) *Handle {
	h := &Handle{
		name:    name,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	h.alive.Store(true)

	L := log.FromContext(ctx).With("worker", name)
	go h.run(log.WithContext(ctx, L), L, fn)
	return h
}

func (h *Handle) run(ctx context.Context, L log.Logger, fn Func) {
	defer close(h.done)
	defer h.alive.Store(false)
	defer func() {
		if r := recover(); r != nil {
			h.err = xerrors.Wrapf(ErrPanicked, "%s: %v", h.name, r)
			L.Error(ctx, h.err, "worker panicked",
				"panic_stack", string(debug.Stack()),
				"uptime", time.Since(h.started).String(),
			)
		}
	}()

	L.Debug(ctx, "worker started")
	err := fn(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled) && ctx.Err() != nil:
		L.Info(ctx, "worker stopped", "uptime", time.Since(h.started).String())
	default:
		h.err = err
		L.Error(ctx, err, "worker exited with error", "uptime", time.Since(h.started).String())
	}
}

func (h *Handle) Name() string { return h.name }

// IsAlive reports whether the worker's Func is still running.
func (h *Handle) IsAlive() bool { return h.alive.Load() }

// Done is closed once the worker has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the reason the worker exited, nil while running or after a
// clean stop.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Group collects worker handles so they can be registered with the monitor
// and waited on together at shutdown.
type Group struct {
	mu      sync.Mutex
	handles []*Handle
}

// Go starts fn as a named worker and adds it to the group.
func (g *Group) Go(ctx context.Context, name string, fn Func) *Handle {
	h := Start(ctx, name, fn)
	g.mu.Lock()
	g.handles = append(g.handles, h)
	g.mu.Unlock()
	return h
}

// Handles returns the group's workers as monitor handles, in start order.
func (g *Group) Handles() []health.WorkerHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]health.WorkerHandle, len(g.handles))
	for i, h := range g.handles {
		out[i] = h
	}
	return out
}

// Wait blocks until every worker has exited or ctx is done. Worker errors
// are joined.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	hs := append([]*Handle(nil), g.handles...)
	g.mu.Unlock()

	var errs []error
	for _, h := range hs {
		select {
		case <-h.Done():
			if err := h.Err(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		case <-ctx.Done():
			return xerrors.Wrap(ctx.Err(), "waiting for workers")
		}
	}
	return errors.Join(errs...)
}
