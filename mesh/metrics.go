package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by refinement rounds. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	rounds        prometheus.Counter
	roundDuration prometheus.Histogram
	voxels        prometheus.Gauge
	features      prometheus.Gauge
	iterations    prometheus.Histogram
	rejections    prometheus.Counter
	cost          *prometheus.GaugeVec
	stops         *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. It returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		rounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voxmesh",
			Name:      "rounds_total",
			Help:      "Number of completed optimization rounds",
		}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voxmesh",
			Name:      "round_duration_seconds",
			Help:      "Wall time of one round: indexing, extraction and optimization",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		voxels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxmesh",
			Name:      "voxels",
			Help:      "Occupied root voxels in the last round",
		}),
		features: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxmesh",
			Name:      "plane_features",
			Help:      "Accepted plane features in the last round",
		}),
		iterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voxmesh",
			Name:      "solver_iterations",
			Help:      "Linearizations per optimization round",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		}),
		rejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voxmesh",
			Name:      "solver_rejections_total",
			Help:      "Rejected or failed damped solves",
		}),
		cost: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voxmesh",
			Name:      "cost",
			Help:      "Total point-to-plane cost of the last round",
		}, []string{"stage"}),
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxmesh",
			Name:      "solver_stops_total",
			Help:      "Optimizer exits by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) observeRound(r RoundReport) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.roundDuration.Observe(r.Duration().Seconds())
	m.voxels.Set(float64(r.Index.Voxels))
	m.features.Set(float64(r.Features))
	m.iterations.Observe(float64(r.Optimize.Iterations))
	m.cost.WithLabelValues("initial").Set(r.Optimize.InitialCost)
	m.cost.WithLabelValues("final").Set(r.Optimize.FinalCost)
	m.stops.WithLabelValues(string(r.Optimize.Reason)).Inc()
}

func (m *Metrics) observeRejection() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}
