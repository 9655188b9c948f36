// Package controlplane keeps the health monitor informed about contact with
// the Kubernetes API server.
//
// A [Client] performs a cheap authenticated request against the API server.
// A [Syncer] polls it on an interval: each success refreshes the monitor's
// last-contact timestamp and the first success marks the sidecar ready.
// Consecutive failures back off exponentially, and the transition into and
// out of a stale state is logged once each way.
package controlplane
