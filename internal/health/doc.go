// Package health aggregates the sidecar's health signals into a single verdict.
//
// A [Monitor] tracks three independently-updated signals:
//
//   - readiness, flipped once by [Monitor.MarkReady] after initial sync
//   - control plane contact, refreshed by [Monitor.UpdateContact]
//   - background worker liveness, registered with [Monitor.RegisterWorkers]
//
// [Monitor.Evaluate] derives a [Verdict] from a point-in-time snapshot of the
// signals in fixed priority order: readiness, then contact staleness, then
// worker liveness. Only the first failing condition is reported.
//
// All state is held in atomics so Evaluate can run concurrently from any
// number of request goroutines while the application mutates the signals.
//
// [Probe], [CheckFunc] and [All] adapt the monitor to the ops listener's
// liveness and readiness endpoints.
package health
