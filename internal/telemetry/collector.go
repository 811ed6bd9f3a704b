package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shchae04/kafka-basic/internal/checkpoint"
	"github.com/shchae04/kafka-basic/internal/pipeline"
)

type StageSource interface {
	Snapshot() []pipeline.StageStatus
}

type PartitionSource interface {
	Snapshot() []checkpoint.PartitionStatus
}

/*──────────────────────── snapshot collector ───────────────────────*/

// Collector reads stage and partition snapshots on every scrape, so the
// hot path never touches Prometheus for these series.
type Collector struct {
	stages     StageSource
	partitions PartitionSource

	breakerState, stageMessages, stageAttempts, stageRetries, stageRejections *prometheus.Desc
	stageBackoff                                                              *prometheus.Desc
	committed, lag, pending, halted                                           *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(stages StageSource, partitions PartitionSource) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		stages:          stages,
		partitions:      partitions,
		breakerState:    d("breaker_state", "Circuit breaker state: 0 closed, 1 open, 2 half-open.", "stage"),
		stageMessages:   d("stage_messages_total", "Messages that left a stage, by result.", "stage", "result"),
		stageAttempts:   d("stage_attempts_total", "Processing attempts per stage, by result.", "stage", "result"),
		stageRetries:    d("stage_retries_total", "Backoffs taken before a retry.", "stage"),
		stageRejections: d("stage_breaker_rejections_total", "Attempts refused by an open breaker.", "stage"),
		stageBackoff:    d("stage_backoff_seconds_total", "Time spent backing off.", "stage"),
		committed:       d("partition_committed_offset", "Last committed offset.", "topic", "partition"),
		lag:             d("partition_lag", "Messages between the commit pointer and the broker head.", "topic", "partition"),
		pending:         d("partition_pending", "Tracked offsets not yet committed.", "topic", "partition"),
		halted:          d("partition_halted", "1 when a fatal error stopped the partition.", "topic", "partition"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.breakerState, c.stageMessages, c.stageAttempts, c.stageRetries, c.stageRejections,
		c.stageBackoff, c.committed, c.lag, c.pending, c.halted,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for _, s := range c.stages.Snapshot() {
		gauge(c.breakerState, float64(s.Breaker.State), s.Name)
		counter(c.stageMessages, s.Succeeded, s.Name, "succeeded")
		counter(c.stageMessages, s.Failed, s.Name, "failed")
		counter(c.stageMessages, s.Abandoned, s.Name, "abandoned")
		counter(c.stageAttempts, s.Attempts-s.AttemptFailures, s.Name, "ok")
		counter(c.stageAttempts, s.AttemptFailures, s.Name, "error")
		counter(c.stageRetries, s.Retries, s.Name)
		counter(c.stageRejections, s.Rejections, s.Name)
		ch <- prometheus.MustNewConstMetric(c.stageBackoff, prometheus.CounterValue, s.Backoff.Seconds(), s.Name)
	}

	for _, p := range c.partitions.Snapshot() {
		part := strconv.Itoa(int(p.Partition))
		gauge(c.committed, float64(p.Committed), p.Topic, part)
		gauge(c.lag, float64(p.Lag), p.Topic, part)
		gauge(c.pending, float64(p.Pending), p.Topic, part)
		var h float64
		if p.Halted {
			h = 1
		}
		gauge(c.halted, h, p.Topic, part)
	}
}
