// PrometheusRecorder exposes adapter operation metrics as Prometheus collectors.
package obs

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder records into counter and histogram vectors.
type PrometheusRecorder struct {
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheusRecorder registers its collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	labels := []string{"category", "component", "operation"}
	r := &PrometheusRecorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Adapter operations started.",
		}, labels),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Adapter operations completed, by outcome and error type.",
		}, append(labels, "outcome", "error_type")),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Adapter operation duration.",
			Buckets:   prometheus.DefBuckets,
		}, append(labels, "outcome")),
	}
	for _, c := range []prometheus.Collector{r.requests, r.responses, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) RecordRequest(_ context.Context, key MetricKey) {
	r.requests.WithLabelValues(key.Category, key.Component, key.Operation).Inc()
}

func (r *PrometheusRecorder) RecordResponseSuccess(_ context.Context, key MetricKey, elapsed time.Duration) {
	r.responses.WithLabelValues(key.Category, key.Component, key.Operation, "success", "").Inc()
	r.duration.WithLabelValues(key.Category, key.Component, key.Operation, "success").Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) RecordResponseFailure(_ context.Context, key MetricKey, elapsed time.Duration, errorType string) {
	r.responses.WithLabelValues(key.Category, key.Component, key.Operation, "failure", errorType).Inc()
	r.duration.WithLabelValues(key.Category, key.Component, key.Operation, "failure").Observe(elapsed.Seconds())
}
