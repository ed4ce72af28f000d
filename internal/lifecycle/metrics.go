package lifecycle

import "github.com/prometheus/client_golang/prometheus"

// stateValue assigns each lifecycle state a stable ordinal for the gauge;
// ERROR is reported as -1 since it has no position in the total order.
func stateValue(s State) float64 {
	if s == StateError {
		return -1
	}
	if rank, ok := order[s]; ok {
		return float64(rank)
	}
	return -1
}

// Metrics holds the Prometheus collectors the supervisor updates on every
// transition. Registered by the caller (typically cmd/morrigan-server) so
// tests can use an isolated registry.
type Metrics struct {
	State   prometheus.Gauge
	Stopped prometheus.Counter
}

// NewMetrics builds and registers the supervisor's collectors against reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "morrigan_lifecycle_state",
			Help: "Current lifecycle state as an ordinal position in the startup sequence (-1 = ERROR).",
		}),
		Stopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "morrigan_lifecycle_stops_total",
			Help: "Number of completed stop() invocations.",
		}),
	}
	if err := reg.Register(m.State); err != nil {
		return nil, err
	}
	if err := reg.Register(m.Stopped); err != nil {
		return nil, err
	}
	return m, nil
}
