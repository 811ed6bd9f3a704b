// Package kafka is the sarama consumer-group source driver.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/source"
)

type SaramaDriver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup
	admin sarama.ClusterAdmin
}

func (d *SaramaDriver) Configure(raw any) error {
	config, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka: expected Config, got %T", raw)
	}
	d.cfg = config

	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	if d.admin, err = sarama.NewClusterAdminFromClient(d.cl); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func saramaConfig(config Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	if config.ClientID != "" {
		sc.ClientID = config.ClientID
	}
	sc.Consumer.Return.Errors = true
	// offsets are marked by the ledger and flushed on our own cadence
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sc, nil
}

func (d *SaramaDriver) Run(ctx context.Context, disp *source.Dispatcher) error {
	if d.group == nil {
		return errors.New("kafka: driver not configured")
	}
	if d.cfg.TopicAdmin.Ensure {
		if err := EnsureTopics(d.admin, d.cfg.Topics, d.cfg.TopicAdmin); err != nil {
			return err
		}
	}
	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("kafka consumer group error", "err", err)
		}
	}()

	handler := &groupHandler{disp: disp, commitEvery: d.cfg.Checkpoint.CommitInt}
	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return ctx.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Health lists topics with a timeout, reporting whether the brokers answer.
func (d *SaramaDriver) Health(ctx context.Context) error {
	if d.admin == nil {
		return errors.New("kafka: driver not configured")
	}
	return CheckHealth(ctx, d.admin, d.cfg.HealthTimeout)
}

func (d *SaramaDriver) Close() error {
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	if d.cl != nil && !d.cl.Closed() {
		errs = append(errs, d.cl.Close())
	}
	return errors.Join(errs...)
}

type groupHandler struct {
	disp        *source.Dispatcher
	commitEvery time.Duration
}

func (*groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	logging.L().Info("kafka partitions assigned", "member", sess.MemberID(), "claims", sess.Claims())
	return nil
}

func (*groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	sess.Commit()
	logging.L().Info("kafka partitions released", "member", sess.MemberID())
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	topic, partition := claim.Topic(), claim.Partition()
	c := h.disp.Claim(topic, partition, committedBefore(claim.InitialOffset()), func(off int64) error {
		sess.MarkOffset(topic, partition, off+1, "")
		return nil
	})

	stop := make(chan struct{})
	go h.flush(sess, stop)
	defer func() {
		c.Close()
		close(stop)
		sess.Commit()
	}()

	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.Ledger().ObserveHighWater(claim.HighWaterMarkOffset())
			if err := c.Dispatch(ctx, toMessage(msg)); err != nil {
				if herr := c.Err(); herr != nil {
					// keep the claim so nothing past the failure is
					// committed; the next rebalance or restart redelivers
					logging.L().Error("kafka partition halted until rebalance", "topic", topic, "partition", partition, "err", herr)
					<-ctx.Done()
				}
				return nil
			}
		}
	}
}

func (h *groupHandler) flush(sess sarama.ConsumerGroupSession, stop <-chan struct{}) {
	if h.commitEvery <= 0 {
		return
	}
	t := time.NewTicker(h.commitEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-sess.Context().Done():
			return
		case <-t.C:
			sess.Commit()
		}
	}
}

// committedBefore converts a claim's initial offset into the last
// committed offset, -1 when the group has no committed offset yet.
func committedBefore(initial int64) int64 {
	if initial < 0 {
		return -1
	}
	return initial - 1
}

func toMessage(msg *sarama.ConsumerMessage) *message.Message {
	return &message.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   toHeaderMap(msg.Headers),
		Timestamp: msg.Timestamp,
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}

func init() {
	source.Register("sarama", func() source.Adapter { return &SaramaDriver{} })
}
