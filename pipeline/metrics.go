package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Refresh outcomes as reported on authpipeline_refresh_total.
const (
	outcomeSuccess    = "success"
	outcomeFailure    = "failure"
	outcomeSuperseded = "superseded"
)

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	refreshes    *prometheus.CounterVec
	replays      prometheus.Counter
	waiters      prometheus.Gauge
	terminations prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authpipeline_refresh_total",
			Help: "Refresh-token exchanges by outcome.",
		}, []string{"outcome"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authpipeline_replays_total",
			Help: "Requests re-sent with a renewed access token.",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authpipeline_waiters",
			Help: "Requests currently waiting on an in-flight refresh.",
		}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authpipeline_terminations_total",
			Help: "Sessions ended by the pipeline or by logout.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.refreshes, m.replays, m.waiters, m.terminations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) refreshed(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) replayed() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) waiting(delta int) {
	if m == nil {
		return
	}
	m.waiters.Add(float64(delta))
}

func (m *Metrics) terminated() {
	if m == nil {
		return
	}
	m.terminations.Inc()
}
