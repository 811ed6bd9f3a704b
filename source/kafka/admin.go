package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/shchae04/kafka-basic/internal/logging"
)

// EnsureTopics creates missing source topics and, for every source topic,
// its dead-letter topic with the same partition count so that a failed
// record keeps its partition.
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, cfg TopicsCfg) error {
	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("kafka: list topics: %w", err)
	}
	for _, t := range topics {
		partitions := cfg.Partitions
		if d, ok := existing[t]; ok {
			partitions = d.NumPartitions
		} else if err := createTopic(admin, t, partitions, cfg.ReplicationFactor); err != nil {
			return err
		}

		dlq := t + cfg.DeadLetterSuffix
		d, ok := existing[dlq]
		if !ok {
			if err := createTopic(admin, dlq, partitions, cfg.ReplicationFactor); err != nil {
				return err
			}
			continue
		}
		if d.NumPartitions < partitions {
			logging.L().Warn("dead-letter topic has fewer partitions than its source",
				"topic", t, "dead_letter_topic", dlq, "partitions", partitions, "dead_letter_partitions", d.NumPartitions)
		}
	}
	return nil
}

func createTopic(admin sarama.ClusterAdmin, name string, partitions int32, rf int16) error {
	err := admin.CreateTopic(name, &sarama.TopicDetail{NumPartitions: partitions, ReplicationFactor: rf}, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", name, err)
	}
	logging.L().Info("kafka topic ensured", "topic", name, "partitions", partitions, "replication_factor", rf)
	return nil
}

// CheckHealth reports an error when the cluster does not list its topics
// within timeout.
func CheckHealth(ctx context.Context, admin sarama.ClusterAdmin, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		_, err := admin.ListTopics()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("kafka: list topics: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka: health check: %w", ctx.Err())
	}
}
