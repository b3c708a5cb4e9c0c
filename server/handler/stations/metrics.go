package stations

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	Requests   *prometheus.CounterVec
	Errors     *prometheus.CounterVec
	Latency    prometheus.Histogram
	BgRequests prometheus.Counter
	BgErrors   prometheus.Counter
}

func (m *metrics) valid() bool {
	return m.Requests != nil && m.Errors != nil && m.Latency != nil &&
		m.BgRequests != nil && m.BgErrors != nil
}

// newMetrics registers with reg unless it is nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bikeshare",
			Subsystem: "fg",
			Name:      "requests",
		}, []string{"route"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bikeshare",
			Subsystem: "fg",
			Name:      "errors",
		}, []string{"route"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bikeshare",
			Subsystem: "fg",
			Name:      "latency",
			Buckets:   prometheus.DefBuckets,
		}),
		BgRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare",
			Subsystem: "bg",
			Name:      "requests",
		}),
		BgErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare",
			Subsystem: "bg",
			Name:      "errors",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Requests, m.Errors, m.Latency,
			m.BgRequests, m.BgErrors)
	}

	return m
}
