package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keithlinneman/sidecar-health/internal/health"
)

// StatusSource is satisfied by *health.Monitor.
type StatusSource interface {
	Snapshot() health.Status
}

// monitorCollector reads one snapshot per scrape so every exported health
// series describes the same instant.
type monitorCollector struct {
	src StatusSource

	ready        *prometheus.Desc
	lastContact  *prometheus.Desc
	contactAge   *prometheus.Desc
	threshold    *prometheus.Desc
	workers      *prometheus.Desc
	workersAlive *prometheus.Desc
	verdict      *prometheus.Desc
}

func newMonitorCollector(src StatusSource) *monitorCollector {
	return &monitorCollector{
		src: src,
		ready: prometheus.NewDesc("health_ready",
			"Whether the application has completed initial sync (1) or not (0)", nil, nil),
		lastContact: prometheus.NewDesc("health_last_contact_timestamp_seconds",
			"Unix timestamp of the last successful control plane contact", nil, nil),
		contactAge: prometheus.NewDesc("health_contact_age_seconds",
			"Seconds since the last successful control plane contact", nil, nil),
		threshold: prometheus.NewDesc("health_contact_threshold_seconds",
			"Contact age beyond which the sidecar reports not live", nil, nil),
		workers: prometheus.NewDesc("health_workers",
			"Number of monitored background workers", nil, nil),
		workersAlive: prometheus.NewDesc("health_workers_alive",
			"Number of monitored background workers currently alive", nil, nil),
		verdict: prometheus.NewDesc("health_verdict",
			"Current health verdict (label carries the verdict, value is 1 for the active one)", []string{"verdict"}, nil),
	}
}

func (c *monitorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ready
	ch <- c.lastContact
	ch <- c.contactAge
	ch <- c.threshold
	ch <- c.workers
	ch <- c.workersAlive
	ch <- c.verdict
}

func (c *monitorCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lv...)
	}
	gauge(c.ready, boolToFloat(s.Ready))
	gauge(c.lastContact, float64(s.LastContact.UnixNano())/1e9)
	gauge(c.contactAge, s.ContactAge.Seconds())
	gauge(c.threshold, s.ContactThreshold.Seconds())
	gauge(c.workers, float64(s.Workers))
	gauge(c.workersAlive, float64(s.WorkersAlive))
	for _, v := range health.Verdicts {
		gauge(c.verdict, boolToFloat(v == s.Verdict), v.Label())
	}
}

// RegisterMonitor exports the monitor's signals, read at scrape time.
func (m *ServerMetrics) RegisterMonitor(src StatusSource) error {
	return m.reg.Register(newMonitorCollector(src))
}
