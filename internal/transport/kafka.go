package transport

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"
)

// =============================================================================
// Kafka Publisher
// =============================================================================

// KafkaPublisher produces one record per message to a topic. The record key
// is the host, so all messages of a host land in one partition in order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects to the seed brokers.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.NewMissingField("kafka.brokers")
	}
	if topic == "" {
		topic = config.DefaultKafkaTopic
	}

	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	}, opts...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w: %w", errors.ErrConnectionFailed, err)
	}
	return &KafkaPublisher{client: cl, topic: topic}, nil
}

// Publish produces msg and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, host, msg string) error {
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(host),
		Value: []byte(msg),
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w: %w", p.topic, errors.ErrConnectionFailed, err)
	}
	return nil
}

// Close flushes pending records and closes the client.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// =============================================================================
// Kafka Consumer
// =============================================================================

// KafkaConsumer reads records of a topic as a member of a consumer group
// and hands every record value to the handler.
type KafkaConsumer struct {
	client  *kgo.Client
	topic   string
	handler Handler
}

// NewKafkaConsumer joins group and subscribes to topic.
func NewKafkaConsumer(brokers []string, topic, group string, h Handler, opts ...kgo.Opt) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, errors.NewMissingField("kafka.brokers")
	}
	if topic == "" {
		topic = config.DefaultKafkaTopic
	}
	if group == "" {
		group = config.DefaultKafkaGroup
	}

	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	}, opts...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w: %w", errors.ErrConnectionFailed, err)
	}
	return &KafkaConsumer{client: cl, topic: topic, handler: h}, nil
}

// Run polls until ctx is done. Fetch errors are retried by the client and
// only logged here; handler errors are logged per record.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.client.Close()
	log.Info("kafka consumer started", "topic", c.topic)

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			log.Info("kafka consumer stopped", "topic", c.topic)
			return nil
		}
		for _, fe := range fetches.Errors() {
			log.Warn("fetch failed", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			if err := c.handler.Handle(ctx, string(rec.Value)); err != nil {
				log.Warn("record rejected",
					"host", string(rec.Key),
					"partition", rec.Partition,
					"offset", rec.Offset,
					"error", err)
			}
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			log.Warn("commit failed", "error", err)
		}
	}
}
