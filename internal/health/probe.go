package health

import (
	"context"

	"github.com/keithlinneman/sidecar-health/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// LivenessProbe fails with the verdict text whenever Evaluate is not OK.
func (m *Monitor) LivenessProbe() CheckFunc {
	return func(context.Context) error { return m.Evaluate().Err() }
}

// ReadinessProbe only looks at the ready flag.
func (m *Monitor) ReadinessProbe() CheckFunc {
	return func(context.Context) error {
		if !m.Ready() {
			return VerdictNotReady.Err()
		}
		return nil
	}
}
