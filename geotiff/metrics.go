package geotiff

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments block reads. One set may be shared by many datasets.
type Metrics struct {
	BlockRequests  *prometheus.CounterVec
	FetchRequests  prometheus.Counter
	FetchBytes     prometheus.Counter
	FetchRetries   prometheus.Counter
	FetchDuration  prometheus.Histogram
	DecodeDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlockRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gtiff",
			Name:      "block_requests_total",
			Help:      "Blocks requested by reads, by cache result.",
		}, []string{"result"}),
		FetchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gtiff",
			Name:      "fetch_requests_total",
			Help:      "Byte range requests issued to the source.",
		}),
		FetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gtiff",
			Name:      "fetch_bytes_total",
			Help:      "Compressed bytes read from the source.",
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gtiff",
			Name:      "fetch_retries_total",
			Help:      "Byte range requests retried after a transient failure.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gtiff",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of byte range requests.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
		}),
		DecodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gtiff",
			Name:      "decode_duration_seconds",
			Help:      "Block decode latency by codec.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"codec"}),
	}
	if reg != nil {
		reg.MustRegister(m.BlockRequests, m.FetchRequests, m.FetchBytes, m.FetchRetries, m.FetchDuration, m.DecodeDuration)
	}
	return m
}
