package health

import (
	"sync/atomic"
	"time"
)

// DefaultContactThreshold is how long the sidecar tolerates silence from the
// control plane before reporting itself not live.
const DefaultContactThreshold = 60 * time.Second

// WorkerHandle is a non-owning reference to a background worker.
// IsAlive must be cheap and non-blocking, it is called on every evaluation.
type WorkerHandle interface {
	IsAlive() bool
}

// WorkerFunc adapts a plain function into a WorkerHandle.
type WorkerFunc func() bool

func (f WorkerFunc) IsAlive() bool { return f() }

// Monitor holds the process-wide health signals.
// The zero value is not usable, construct with NewMonitor.
type Monitor struct {
	ready       atomic.Bool
	lastContact atomic.Int64 // unix nanos
	workers     atomic.Pointer[[]WorkerHandle]

	threshold time.Duration
	now       func() time.Time
}

type Option func(*Monitor)

// WithContactThreshold overrides DefaultContactThreshold. Non-positive values are ignored.
func WithContactThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithClock replaces time.Now, used by tests to move time deterministically.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor returns a monitor in the not-ready state with last contact set to now.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		threshold: DefaultContactThreshold,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.lastContact.Store(m.now().UnixNano())
	empty := []WorkerHandle{}
	m.workers.Store(&empty)
	return m
}

// ContactThreshold returns the configured staleness tolerance.
func (m *Monitor) ContactThreshold() time.Duration { return m.threshold }

// MarkReady flips readiness on. There is no way back to not-ready.
func (m *Monitor) MarkReady() { m.ready.Store(true) }

// Ready reports whether MarkReady has been called.
func (m *Monitor) Ready() bool { return m.ready.Load() }

// UpdateContact records a successful exchange with the control plane.
// Concurrent callers can race with clock reads, so the stored value only
// ever moves forward.
func (m *Monitor) UpdateContact() {
	now := m.now().UnixNano()
	for {
		prev := m.lastContact.Load()
		if now <= prev {
			return
		}
		if m.lastContact.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastContact returns the time of the most recent UpdateContact (or construction).
func (m *Monitor) LastContact() time.Time {
	return time.Unix(0, m.lastContact.Load())
}

// RegisterWorkers replaces the monitored worker set. An empty call disables
// the worker liveness check. The slice is copied, callers may reuse it.
func (m *Monitor) RegisterWorkers(handles ...WorkerHandle) {
	ws := make([]WorkerHandle, len(handles))
	copy(ws, handles)
	m.workers.Store(&ws)
}

// Evaluate computes the current verdict. It never blocks and never panics on
// behalf of a misbehaving worker handle.
func (m *Monitor) Evaluate() Verdict {
	if !m.ready.Load() {
		return VerdictNotReady
	}
	if m.contactAge() > m.threshold {
		return VerdictContactLost
	}
	for _, w := range *m.workers.Load() {
		if !alive(w) {
			return VerdictWorkerDied
		}
	}
	return VerdictOK
}

func (m *Monitor) contactAge() time.Duration {
	return m.now().Sub(m.LastContact())
}

// alive treats a nil handle or a panicking IsAlive as a dead worker.
func alive(w WorkerHandle) (ok bool) {
	if w == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return w.IsAlive()
}

// Status is a point-in-time view of the monitor for metrics and diagnostics.
type Status struct {
	Ready            bool
	LastContact      time.Time
	ContactAge       time.Duration
	ContactThreshold time.Duration
	Workers          int
	WorkersAlive     int
	Verdict          Verdict
}

// Snapshot reads every signal once. Verdict is computed from the same reads
// so it always agrees with the other fields.
func (m *Monitor) Snapshot() Status {
	ready := m.ready.Load()
	now := m.now()
	last := m.LastContact()
	workers := *m.workers.Load()

	s := Status{
		Ready:            ready,
		LastContact:      last,
		ContactAge:       now.Sub(last),
		ContactThreshold: m.threshold,
		Workers:          len(workers),
	}
	for _, w := range workers {
		if alive(w) {
			s.WorkersAlive++
		}
	}

	switch {
	case !ready:
		s.Verdict = VerdictNotReady
	case s.ContactAge > m.threshold:
		s.Verdict = VerdictContactLost
	case s.WorkersAlive < s.Workers:
		s.Verdict = VerdictWorkerDied
	default:
		s.Verdict = VerdictOK
	}
	return s
}
