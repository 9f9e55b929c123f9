package bus

import (
	"context"
	"sync"

	"Meower/logger"
	"Meower/service/metrics"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID must be unique per gateway node so every node consumes every event.
	GroupID string
}

// kafkaPartition holds every event so one publisher's events arrive in
// publish order. Keys are kept on the record for tooling only.
const kafkaPartition int32 = 0

// KafkaDriver publishes every event to kafkaPartition and reads the topic
// through a per-node consumer group starting at the newest offset.
type KafkaDriver struct {
	cfg      KafkaConfig
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	log      *zap.Logger
}

func NewKafkaDriver(cfg KafkaConfig) (*KafkaDriver, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka brokers, topic and group are required")
	}
	sc := newKafkaConfig()
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		_ = producer.Close()
		return nil, errors.Wrap(err, "kafka consumer group")
	}
	return &KafkaDriver{cfg: cfg, producer: producer, group: group, log: logger.Named("bus.kafka")}, nil
}

func newKafkaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	return sc
}

func (d *KafkaDriver) Name() string { return "kafka" }

func kafkaMessage(topic, key string, data []byte) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{Topic: topic, Partition: kafkaPartition, Value: sarama.ByteEncoder(data)}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg
}

func (d *KafkaDriver) Publish(_ context.Context, key string, data []byte) error {
	_, _, err := d.producer.SendMessage(kafkaMessage(d.cfg.Topic, key, data))
	return errors.Wrap(err, "kafka publish")
}

func (d *KafkaDriver) Run(ctx context.Context, fn func([]byte)) error {
	go func() {
		for err := range d.group.Errors() {
			d.log.Warn("consumer group error", zap.Error(err))
		}
	}()

	h := &groupHandler{fn: fn}
	bo := newBackoff()
	for {
		// Consume 在 rebalance 时返回，需要循环调用
		err := d.group.Consume(ctx, []string{d.cfg.Topic}, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			wait := bo.NextBackOff()
			metrics.BusReconnects.WithLabelValues(d.Name()).Inc()
			d.log.Warn("consume failed, retrying", zap.Error(err), zap.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
	}
}

func (d *KafkaDriver) Close() error {
	gerr := d.group.Close()
	perr := d.producer.Close()
	if gerr != nil {
		return gerr
	}
	return perr
}

// groupHandler feeds fn one message at a time even if the group is
// assigned several partitions.
type groupHandler struct {
	mu sync.Mutex
	fn func([]byte)
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.mu.Lock()
		h.fn(msg.Value)
		h.mu.Unlock()
		session.MarkMessage(msg, "")
	}
	return nil
}
