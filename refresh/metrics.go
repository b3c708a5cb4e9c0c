package refresh

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	Requests    prometheus.Counter
	Errors      *prometheus.CounterVec
	Latency     prometheus.Histogram
	LastUpdated prometheus.Gauge
	Stations    prometheus.Gauge
	Favorites   prometheus.Gauge
	Queued      prometheus.Gauge
}

func (m *metrics) valid() bool {
	return m.Requests != nil && m.Errors != nil && m.Latency != nil &&
		m.LastUpdated != nil && m.Stations != nil && m.Favorites != nil &&
		m.Queued != nil
}

// newMetrics registers with reg unless it is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare",
			Subsystem: "refresh",
			Name:      "requests",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bikeshare",
			Subsystem: "refresh",
			Name:      "errors",
		}, []string{"reason"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bikeshare",
			Subsystem: "refresh",
			Name:      "latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15},
		}),
		LastUpdated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bikeshare",
			Subsystem: "refresh",
			Name:      "last_updated",
		}),
		Stations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bikeshare",
			Subsystem: "snapshot",
			Name:      "stations",
		}),
		Favorites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bikeshare",
			Subsystem: "snapshot",
			Name:      "favorites",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bikeshare",
			Subsystem: "refresh",
			Name:      "queued",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Requests, m.Errors, m.Latency, m.LastUpdated,
			m.Stations, m.Favorites, m.Queued)
	}

	return m
}
