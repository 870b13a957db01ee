package download

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelhub",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes written by file downloads",
		},
	)

	filesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelhub",
			Subsystem: "download",
			Name:      "files_total",
			Help:      "File downloads finished, by result",
		},
		[]string{"result"},
	)

	inflightFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelhub",
			Subsystem: "download",
			Name:      "inflight_files",
			Help:      "File downloads currently transferring",
		},
	)

	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelhub",
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Transient failures retried by the repository downloader",
		},
	)
)

func init() {
	prometheus.MustRegister(bytesTotal, filesTotal, inflightFiles, retriesTotal)
}

func observeResult(err error) {
	switch {
	case err == nil:
		filesTotal.WithLabelValues("ok").Inc()
	case IsAuthRequired(err):
		filesTotal.WithLabelValues("auth").Inc()
	case IsTransient(err):
		filesTotal.WithLabelValues("transient").Inc()
	default:
		filesTotal.WithLabelValues("error").Inc()
	}
}
