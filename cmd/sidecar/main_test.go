package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keithlinneman/sidecar-health/internal/health"
	"github.com/keithlinneman/sidecar-health/internal/worker"
)

func TestDrainWorkers_CleanStopNotReportedDead(t *testing.T) {
	m := health.NewMonitor()
	m.MarkReady()

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan health.Verdict, 1)
	var g worker.Group
	g.Go(workerCtx, "loop", func(ctx context.Context) error {
		<-ctx.Done()
		seen <- m.Evaluate()
		return ctx.Err()
	})
	m.RegisterWorkers(g.Handles()...)

	if v := m.Evaluate(); v != health.VerdictOK {
		t.Fatalf("before drain: verdict = %v, want OK", v)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	err := drainWorkers(waitCtx, m, cancel, &g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("drainWorkers = %v, want context.Canceled", err)
	}
	if v := <-seen; v != health.VerdictOK {
		t.Fatalf("while stopping: verdict = %v, want OK", v)
	}
	if v := m.Evaluate(); v != health.VerdictOK {
		t.Fatalf("after drain: verdict = %v, want OK", v)
	}
}

func TestDrainWorkers_WaitDeadline(t *testing.T) {
	m := health.NewMonitor()
	m.MarkReady()

	release := make(chan struct{})
	defer close(release)

	var g worker.Group
	g.Go(context.Background(), "stuck", func(context.Context) error {
		<-release
		return nil
	})
	m.RegisterWorkers(g.Handles()...)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()

	err := drainWorkers(waitCtx, m, func() {}, &g)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drainWorkers = %v, want deadline exceeded", err)
	}
	if v := m.Evaluate(); v != health.VerdictOK {
		t.Fatalf("verdict = %v, want OK", v)
	}
}
