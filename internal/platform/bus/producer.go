package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Producer publishes messages onto the bus. Implementations must key
// messages so that all events for one facility land on one partition.
type Producer interface {
	Produce(ctx context.Context, msgs ...Message) error
}

// KafkaProducer writes through one kafka.Writer per topic. Writers are
// created lazily and cached for the life of the producer.
type KafkaProducer struct {
	brokers     []string
	topicPrefix string
	log         zerolog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewKafkaProducer(brokers []string, topicPrefix string, log zerolog.Logger) *KafkaProducer {
	return &KafkaProducer{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		log:         log,
		writers:     make(map[string]*kafka.Writer),
	}
}

func (p *KafkaProducer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  p.topicPrefix + topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w
}

func (p *KafkaProducer) Produce(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		headers := make([]kafka.Header, 0, len(m.Headers))
		for _, h := range m.Headers {
			headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
		}
		err := p.writer(m.Topic).WriteMessages(ctx, kafka.Message{
			Key:     m.Key,
			Value:   m.Value,
			Headers: headers,
		})
		if err != nil {
			return fmt.Errorf("produce %s: %w", m.Topic, err)
		}
		p.log.Debug().
			Str("topic", m.Topic).
			Str("key", string(m.Key)).
			Str("correlation_id", m.CorrelationID()).
			Msg("message produced")
	}
	return nil
}

// Close closes all cached writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer %s: %w", topic, err)
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	return firstErr
}
