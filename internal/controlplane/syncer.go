package controlplane

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/sidecar-health/internal/log"
	"github.com/keithlinneman/sidecar-health/internal/otelx"
)

const (
	// DefaultSyncInterval is how often the syncer contacts the API server.
	DefaultSyncInterval = 15 * time.Second

	// maxBackoff caps exponential backoff on consecutive failures.
	maxBackoff = 5 * time.Minute
)

// Pinger is what the Syncer needs from a Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SyncMetrics is implemented by the metrics package to observe syncer behavior.
type SyncMetrics interface {
	IncSyncPolls()
	IncSyncError(errType string)
	ObserveSyncPollDuration(seconds float64)
	SetSyncLastSuccess(t time.Time)
	SetSyncStale(stale bool)
}

type SyncerOptions struct {
	Logger   log.Logger
	Client   Pinger
	Interval time.Duration

	// OnContact is called after every successful poll (Monitor.UpdateContact).
	OnContact func()
	// OnFirstSync is called once, after the first successful poll (Monitor.MarkReady).
	OnFirstSync func()

	Metrics SyncMetrics

	// StaleThreshold is how long without a successful poll before the syncer
	// logs that contact is stale. Zero defaults to four intervals. Backoff
	// never exceeds half of it, so a recovered API server is seen before the
	// threshold passes.
	StaleThreshold time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Syncer polls the control plane and reports contact.
type Syncer struct {
	client      Pinger
	logger      log.Logger
	interval    time.Duration
	onContact   func()
	onFirstSync func()
	metrics     SyncMetrics
	now         func() time.Time

	synced bool

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
}

// NewSyncer creates a syncer. Call Run to start the poll loop.
func NewSyncer(opts SyncerOptions) *Syncer {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 4 * interval
	}
	return &Syncer{
		client:         opts.Client,
		logger:         opts.Logger,
		interval:       interval,
		onContact:      opts.OnContact,
		onFirstSync:    opts.OnFirstSync,
		metrics:        opts.Metrics,
		now:            opts.Now,
		staleThreshold: stale,
		lastSuccessAt:  opts.Now(),
	}
}

// Run polls immediately, then on every tick. Blocks until ctx is cancelled.
// Intended to be launched as a worker so its liveness is monitored.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "control plane syncer starting",
		"interval", s.interval.String(),
		"stale_threshold", s.staleThreshold.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if next, changed := s.step(ctx); changed {
		ticker.Reset(next)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "control plane syncer stopping",
				"reason", ctx.Err(),
				"polls", s.pollCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if next, changed := s.step(ctx); changed {
				ticker.Reset(next)
			}
		}
	}
}

// step runs one poll and updates backoff and staleness state. It returns the
// next tick interval and whether it differs from the current cadence.
func (s *Syncer) step(ctx context.Context) (time.Duration, bool) {
	ok := s.pollOnce(ctx)

	if ok {
		if s.staleLogged {
			s.logger.Info(ctx, "control plane contact recovered",
				"stale_for", s.now().Sub(s.lastSuccessAt).Truncate(time.Second).String(),
			)
			s.staleLogged = false
			if s.metrics != nil {
				s.metrics.SetSyncStale(false)
			}
		}
		s.lastSuccessAt = s.now()

		if s.consecutiveErrs > 0 {
			s.logger.Info(ctx, "control plane syncer recovered, resuming normal interval",
				"had_consecutive_errors", s.consecutiveErrs,
			)
			s.consecutiveErrs = 0
			return s.interval, true
		}
		return s.interval, false
	}

	s.consecutiveErrs++
	if age := s.now().Sub(s.lastSuccessAt); age > s.staleThreshold && !s.staleLogged {
		s.logger.Error(ctx, fmt.Errorf("last successful control plane contact was %s ago", age.Truncate(time.Second)),
			"control plane contact is stale",
		)
		s.staleLogged = true
		if s.metrics != nil {
			s.metrics.SetSyncStale(true)
		}
	}

	backoff := s.backoffDuration()
	s.logger.Warn(ctx, "control plane syncer backing off",
		"consecutive_errors", s.consecutiveErrs,
		"next_poll_in", backoff.String(),
	)
	return backoff, true
}

// pollOnce pings the API server and reports contact on success.
func (s *Syncer) pollOnce(ctx context.Context) bool {
	s.pollCount++
	if s.metrics != nil {
		s.metrics.IncSyncPolls()
	}

	ctx, span := otelx.Tracer().Start(ctx, "controlplane.poll")
	defer span.End()

	start := s.now()
	err := s.client.Ping(ctx)
	if s.metrics != nil {
		s.metrics.ObserveSyncPollDuration(s.now().Sub(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ping failed")
		s.logger.Error(ctx, err, "control plane poll failed")
		if s.metrics != nil {
			s.metrics.IncSyncError(ErrorKind(err))
		}
		return false
	}

	if s.metrics != nil {
		s.metrics.SetSyncLastSuccess(s.now())
	}
	s.notify(ctx, "OnContact", s.onContact)
	if !s.synced {
		s.synced = true
		s.logger.Info(ctx, "initial control plane sync complete")
		s.notify(ctx, "OnFirstSync", s.onFirstSync)
	}
	return true
}

// notify runs a callback, a panicking callback is logged and the loop continues.
func (s *Syncer) notify(ctx context.Context, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("%s panic: %v", name, r),
				"control plane syncer callback panicked, continuing",
			)
		}
	}()
	fn()
}

// backoffDuration computes exponential backoff capped at backoffCap.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (s *Syncer) backoffDuration() time.Duration {
	limit := s.backoffCap()
	mult := math.Pow(2, float64(s.consecutiveErrs))
	d := time.Duration(float64(s.interval) * mult)
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}

// backoffCap is the smaller of maxBackoff and half the stale threshold,
// but never below the normal interval.
func (s *Syncer) backoffCap() time.Duration {
	limit := maxBackoff
	if half := s.staleThreshold / 2; half > 0 && half < limit {
		limit = half
	}
	if limit < s.interval {
		limit = s.interval
	}
	return limit
}
