package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/sidecar-health/internal/health"
	"github.com/keithlinneman/sidecar-health/internal/log"
)

// syncer test helpers

// scriptedPinger returns errors from script in order, then nil.
type scriptedPinger struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (p *scriptedPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.script) == 0 {
		return nil
	}
	err := p.script[0]
	p.script = p.script[1:]
	return err
}

type fakeMetrics struct {
	polls       int
	errs        map[string]int
	durations   int
	lastSuccess time.Time
	stale       []bool
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{errs: map[string]int{}} }

func (m *fakeMetrics) IncSyncPolls()                   { m.polls++ }
func (m *fakeMetrics) IncSyncError(errType string)     { m.errs[errType]++ }
func (m *fakeMetrics) ObserveSyncPollDuration(float64) { m.durations++ }
func (m *fakeMetrics) SetSyncLastSuccess(t time.Time)  { m.lastSuccess = t }
func (m *fakeMetrics) SetSyncStale(stale bool)         { m.stale = append(m.stale, stale) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type syncFixture struct {
	pinger   *scriptedPinger
	metrics  *fakeMetrics
	clock    *fakeClock
	contacts int
	firsts   int
	syncer   *Syncer
}

func newSyncFixture(script ...error) *syncFixture {
	f := &syncFixture{
		pinger:  &scriptedPinger{script: script},
		metrics: newFakeMetrics(),
		clock:   &fakeClock{t: time.Unix(1_700_000_000, 0)},
	}
	f.syncer = NewSyncer(SyncerOptions{
		Logger:         log.Nop(),
		Client:         f.pinger,
		Interval:       10 * time.Second,
		StaleThreshold: 60 * time.Second,
		OnContact:      func() { f.contacts++ },
		OnFirstSync:    func() { f.firsts++ },
		Metrics:        f.metrics,
		Now:            f.clock.now,
	})
	return f
}

var errDown = fmt.Errorf("%w: dial tcp: connection refused", ErrRequest)

// defaults

func TestNewSyncer_Defaults(t *testing.T) {
	s := NewSyncer(SyncerOptions{Client: &scriptedPinger{}})
	if s.interval != DefaultSyncInterval {
		t.Fatalf("interval = %v", s.interval)
	}
	if s.staleThreshold != 4*DefaultSyncInterval {
		t.Fatalf("stale threshold = %v", s.staleThreshold)
	}
}

// backoffDuration

func TestBackoffDuration_Progression(t *testing.T) {
	s := &Syncer{interval: 15 * time.Second, staleThreshold: time.Hour}
	tests := []struct {
		errs int
		want time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 5 * time.Minute},
		{80, 5 * time.Minute},
	}
	for _, tt := range tests {
		s.consecutiveErrs = tt.errs
		if got := s.backoffDuration(); got != tt.want {
			t.Errorf("errs=%d: backoff = %v, want %v", tt.errs, got, tt.want)
		}
	}
}

func TestBackoffDuration_StaysBelowStaleThreshold(t *testing.T) {
	tests := []struct {
		interval  time.Duration
		threshold time.Duration
	}{
		{15 * time.Second, 60 * time.Second},
		{10 * time.Second, 60 * time.Second},
		{15 * time.Second, 20 * time.Second},
		{time.Second, 3 * time.Second},
		{15 * time.Second, 0}, // defaults to four intervals
	}
	for _, tt := range tests {
		s := NewSyncer(SyncerOptions{
			Client:         &scriptedPinger{},
			Interval:       tt.interval,
			StaleThreshold: tt.threshold,
		})
		for errs := 1; errs <= 80; errs++ {
			s.consecutiveErrs = errs
			got := s.backoffDuration()
			if got >= s.staleThreshold {
				t.Fatalf("interval=%v threshold=%v errs=%d: backoff %v not below threshold",
					tt.interval, s.staleThreshold, errs, got)
			}
			if got < s.interval {
				t.Fatalf("interval=%v errs=%d: backoff %v below interval", tt.interval, errs, got)
			}
		}
	}
}

func TestBackoffDuration_HalfThresholdCap(t *testing.T) {
	s := NewSyncer(SyncerOptions{
		Client:         &scriptedPinger{},
		Interval:       15 * time.Second,
		StaleThreshold: 60 * time.Second,
	})
	want := []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		s.consecutiveErrs = i + 1
		if got := s.backoffDuration(); got != w {
			t.Errorf("errs=%d: backoff = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffDuration_IntervalFloor(t *testing.T) {
	s := &Syncer{interval: 15 * time.Second, staleThreshold: 10 * time.Second}
	s.consecutiveErrs = 3
	if got := s.backoffDuration(); got != 15*time.Second {
		t.Fatalf("backoff = %v, want the interval", got)
	}
}

// pollOnce / step

func TestStep_FirstSuccessMarksReady(t *testing.T) {
	f := newSyncFixture()
	ctx := context.Background()

	next, changed := f.syncer.step(ctx)
	if changed || next != 10*time.Second {
		t.Fatalf("step = %v, %v", next, changed)
	}
	f.syncer.step(ctx)

	if f.contacts != 2 {
		t.Fatalf("contacts = %d, want 2", f.contacts)
	}
	if f.firsts != 1 {
		t.Fatalf("first sync callbacks = %d, want 1", f.firsts)
	}
	if f.metrics.polls != 2 || f.metrics.durations != 2 {
		t.Fatalf("metrics = %+v", f.metrics)
	}
	if !f.metrics.lastSuccess.Equal(f.clock.t) {
		t.Fatalf("last success = %v", f.metrics.lastSuccess)
	}
}

func TestStep_FailureBacksOffAndRecovers(t *testing.T) {
	f := newSyncFixture(errDown, errDown)
	ctx := context.Background()

	next, changed := f.syncer.step(ctx)
	if !changed || next != 20*time.Second {
		t.Fatalf("after 1 error: %v %v", next, changed)
	}
	next, _ = f.syncer.step(ctx)
	if next != 30*time.Second {
		t.Fatalf("after 2 errors: %v, want half the stale threshold", next)
	}
	if f.contacts != 0 || f.firsts != 0 {
		t.Fatal("failures must not report contact")
	}
	if f.metrics.errs["request"] != 2 {
		t.Fatalf("errors = %v", f.metrics.errs)
	}

	next, changed = f.syncer.step(ctx)
	if !changed || next != 10*time.Second {
		t.Fatalf("recovery should reset cadence: %v %v", next, changed)
	}
	if f.syncer.consecutiveErrs != 0 || f.firsts != 1 {
		t.Fatalf("errs=%d firsts=%d", f.syncer.consecutiveErrs, f.firsts)
	}
}

func TestStep_StalenessLoggedOnceAndRecovered(t *testing.T) {
	f := newSyncFixture(errDown, errDown, errDown, errDown)
	ctx := context.Background()

	f.clock.advance(30 * time.Second)
	f.syncer.step(ctx)
	if len(f.metrics.stale) != 0 {
		t.Fatal("not stale yet")
	}

	f.clock.advance(31 * time.Second)
	f.syncer.step(ctx)
	f.clock.advance(60 * time.Second)
	f.syncer.step(ctx)
	f.syncer.step(ctx)
	if len(f.metrics.stale) != 1 || !f.metrics.stale[0] {
		t.Fatalf("stale transitions = %v, want [true]", f.metrics.stale)
	}

	f.syncer.step(ctx) // script exhausted, success
	if len(f.metrics.stale) != 2 || f.metrics.stale[1] {
		t.Fatalf("stale transitions = %v, want [true false]", f.metrics.stale)
	}
	if f.syncer.staleLogged {
		t.Fatal("staleLogged should reset on recovery")
	}
}

func TestStep_ErrorKinds(t *testing.T) {
	f := newSyncFixture(
		fmt.Errorf("%w: no file", ErrToken),
		fmt.Errorf("%w: 403", ErrStatus),
		errors.New("something else"),
	)
	for i := 0; i < 3; i++ {
		f.syncer.step(context.Background())
	}
	want := map[string]int{"token": 1, "status": 1, "request": 1}
	for k, v := range want {
		if f.metrics.errs[k] != v {
			t.Fatalf("errs = %v, want %v", f.metrics.errs, want)
		}
	}
}

func TestPollOnce_CallbackPanicContained(t *testing.T) {
	f := newSyncFixture()
	f.syncer.onContact = func() { panic("callback bug") }

	if !f.syncer.pollOnce(context.Background()) {
		t.Fatal("poll should still succeed")
	}
	if f.firsts != 1 {
		t.Fatal("OnFirstSync should run after a panicking OnContact")
	}
}

func TestPollOnce_NilMetricsAndCallbacks(t *testing.T) {
	s := NewSyncer(SyncerOptions{Client: &scriptedPinger{script: []error{errDown}}})
	if s.pollOnce(context.Background()) {
		t.Fatal("first poll should fail")
	}
	if !s.pollOnce(context.Background()) {
		t.Fatal("second poll should succeed")
	}
}

// Run

func TestRun_FeedsMonitor(t *testing.T) {
	m := health.NewMonitor()
	var polls atomic.Int32
	pinger := &countingPinger{n: &polls}

	s := NewSyncer(SyncerOptions{
		Client:      pinger,
		Interval:    5 * time.Millisecond,
		OnContact:   m.UpdateContact,
		OnFirstSync: m.MarkReady,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for polls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d polls", polls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if v := m.Evaluate(); v != health.VerdictOK {
		t.Fatalf("verdict = %v, want OK", v)
	}
}

func TestRun_ImmediateFirstPoll(t *testing.T) {
	var polls atomic.Int32
	s := NewSyncer(SyncerOptions{Client: &countingPinger{n: &polls}, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for polls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("first poll should not wait for the interval")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

type countingPinger struct{ n *atomic.Int32 }

func (p *countingPinger) Ping(context.Context) error {
	p.n.Add(1)
	return nil
}
