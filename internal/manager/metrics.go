package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelhub",
			Subsystem: "manager",
			Name:      "loads_total",
			Help:      "Model load attempts by result",
		},
		[]string{"result"},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelhub",
			Subsystem: "manager",
			Name:      "evictions_total",
			Help:      "Models unloaded to stay within the resident limit",
		},
	)

	residentModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelhub",
			Subsystem: "manager",
			Name:      "resident_models",
			Help:      "Models currently loaded in memory",
		},
	)

	inferRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelhub",
			Subsystem: "manager",
			Name:      "infer_retries_total",
			Help:      "Inference attempts retried after a transient failure",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, evictionsTotal, residentModels, inferRetriesTotal)
}
