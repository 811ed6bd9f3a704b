// Package telemetry exports pipeline metrics to Prometheus and serves the
// /metrics and /healthz endpoints.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/internal/pipeline"
)

const namespace = "kafkabasic"

// Metrics counts terminal outcomes. It is a pipeline.Observer.
type Metrics struct {
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by terminal outcome (delivered, dead_lettered, abandoned, fatal).",
		}, []string{"topic", "partition", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Time from dispatch to terminal outcome.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.outcomes, m.latency)
	return m
}

func (m *Metrics) Observe(msg *message.Message, o pipeline.Outcome, err error, elapsed time.Duration) {
	label := outcomeLabel(o, err)
	m.outcomes.WithLabelValues(msg.Topic, strconv.Itoa(int(msg.Partition)), label).Inc()
	m.latency.WithLabelValues(label).Observe(elapsed.Seconds())
}

func outcomeLabel(o pipeline.Outcome, err error) string {
	switch {
	case err == nil:
		return o.String()
	case errors.Is(err, message.ErrAbandoned):
		return "abandoned"
	default:
		return "fatal"
	}
}
