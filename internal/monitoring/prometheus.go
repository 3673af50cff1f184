package monitoring

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObservabilityHook exports transition and key-operation metrics.
type PrometheusObservabilityHook struct {
	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec
	keyOperationsTotal *prometheus.CounterVec
	inFlight           *prometheus.GaugeVec
}

// NewPrometheusObservabilityHook builds the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusObservabilityHook(reg prometheus.Registerer) (*PrometheusObservabilityHook, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &PrometheusObservabilityHook{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medvault",
				Name:      "transitions_total",
				Help:      "Total number of protocol transitions by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "medvault",
				Name:      "transition_duration_seconds",
				Help:      "Duration of protocol transitions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medvault",
				Name:      "errors_total",
				Help:      "Errors by operation and class",
			},
			[]string{"operation", "class"},
		),
		keyOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medvault",
				Name:      "key_operations_total",
				Help:      "Custodian key operations",
			},
			[]string{"operation", "key_alias", "key_version"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "medvault",
				Name:      "transitions_in_flight",
				Help:      "Transitions currently executing",
			},
			[]string{"operation"},
		),
	}
	for _, c := range []prometheus.Collector{h.transitionsTotal, h.transitionDuration, h.errorsTotal, h.keyOperationsTotal, h.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (p *PrometheusObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	p.inFlight.WithLabelValues(operation).Inc()
}

func (p *PrometheusObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	p.inFlight.WithLabelValues(operation).Dec()
	status := "success"
	if err != nil {
		status = "error"
	}
	p.transitionsTotal.WithLabelValues(operation, status).Inc()
	p.transitionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *PrometheusObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	p.errorsTotal.WithLabelValues(operation, ErrorClass(err)).Inc()
}

func (p *PrometheusObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keyAlias string, keyVersion int, metadata map[string]any) {
	p.keyOperationsTotal.WithLabelValues(operation, keyAlias, strconv.Itoa(keyVersion)).Inc()
}
