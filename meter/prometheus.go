package meter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/uploadgate"
)

// PromMeter exports admission and upload counters to Prometheus.
type PromMeter struct {
	decisions      *prometheus.CounterVec
	downgrades     prometheus.Counter
	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadDuration prometheus.Histogram
}

var _ uploadgate.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) (*PromMeter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PromMeter{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uploadgate",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by reason.",
		}, []string{"reason"}),
		downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uploadgate",
			Name:      "admission_downgrades_total",
			Help:      "Admissions allowed at evaluation but lost at commit.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uploadgate",
			Name:      "uploads_total",
			Help:      "Executor calls by outcome and upstream status.",
		}, []string{"outcome", "status"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uploadgate",
			Name:      "upload_bytes_total",
			Help:      "Bytes handed to the executor.",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "uploadgate",
			Name:      "upload_duration_seconds",
			Help:      "Executor call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.decisions, m.downgrades, m.uploads, m.uploadBytes, m.uploadDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnDecision(e uploadgate.DecisionEvent) {
	m.decisions.WithLabelValues(string(e.Decision.Reason)).Inc()
	if e.Downgraded {
		m.downgrades.Inc()
	}
}

func (m *PromMeter) OnUpload(e uploadgate.UploadEvent) {
	outcome := "success"
	if !e.Success {
		outcome = "failure"
	}
	status := "none"
	if e.StatusCode > 0 {
		status = strconv.Itoa(e.StatusCode)
	}
	m.uploads.WithLabelValues(outcome, status).Inc()
	m.uploadBytes.Add(float64(e.Bytes))
	m.uploadDuration.Observe(e.Duration.Seconds())
}
