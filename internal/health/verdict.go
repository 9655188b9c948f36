package health

import "github.com/keithlinneman/sidecar-health/internal/xerrors"

// Verdict is the outcome of a single health evaluation.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictNotReady
	VerdictContactLost
	VerdictWorkerDied
)

// Verdicts lists every verdict in priority order, OK last.
var Verdicts = []Verdict{VerdictNotReady, VerdictContactLost, VerdictWorkerDied, VerdictOK}

// String returns the human readable text served as the probe response body.
func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "OK"
	case VerdictNotReady:
		return "NOT READY"
	case VerdictContactLost:
		return "NOT LIVE (K8s contact lost)"
	case VerdictWorkerDied:
		return "NOT LIVE (watcher process died)"
	default:
		return "UNKNOWN"
	}
}

// Label returns a low-cardinality identifier for metrics and logs.
func (v Verdict) Label() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictNotReady:
		return "not_ready"
	case VerdictContactLost:
		return "contact_lost"
	case VerdictWorkerDied:
		return "worker_died"
	default:
		return "unknown"
	}
}

func (v Verdict) OK() bool { return v == VerdictOK }

// Err returns nil for VerdictOK, otherwise an error carrying the verdict text.
func (v Verdict) Err() error {
	if v.OK() {
		return nil
	}
	return xerrors.New(v.String())
}
