package bus

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// HandlerFunc processes one consumed message. A nil return means success;
// a non-nil return is classified by the Router. Either way the offset is
// committed: a poison message never blocks its partition.
type HandlerFunc func(ctx context.Context, msg Message) error

// fetcher is the subset of kafka.Reader the consumer loop needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig describes one long-lived consumer loop. Each orchestrator
// gets its own consumer group so that all of them observe the full topic
// independently.
type ConsumerConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupPrefix string
	Topic       string
	Handler     HandlerFunc
	Router      *Router
	Logger      zerolog.Logger
}

// Consumer runs a single-topic consume loop with manual offset commit.
type Consumer struct {
	topic   string
	reader  fetcher
	handler HandlerFunc
	router  *Router
	log     zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.TopicPrefix + cfg.Topic,
		GroupID:  cfg.GroupPrefix + cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		topic:   cfg.Topic,
		reader:  reader,
		handler: cfg.Handler,
		router:  cfg.Router,
		log:     cfg.Logger.With().Str("consumer", cfg.Topic).Logger(),
	}
}

// Run consumes until ctx is cancelled. The in-flight message always
// finishes, including its commit, before Run returns. Fetch errors other
// than cancellation are fatal: the loop terminates and leaves restart to
// the supervisor.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.log.Info().Msg("consumer started")

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.Info().Msg("consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch %s: %w", c.topic, err)
		}

		// In-flight processing finishes even when shutdown arrives mid-message.
		msgCtx := context.WithoutCancel(ctx)
		msg := fromKafka(c.topic, km)
		if herr := c.process(msgCtx, msg); herr != nil {
			c.router.Route(msgCtx, c.topic, msg, herr)
		}

		// Commit regardless of outcome. Redelivery is the retry topic's
		// job, not the consumer group's.
		if cerr := c.reader.CommitMessages(context.WithoutCancel(ctx), km); cerr != nil {
			c.log.Error().Err(cerr).Msg("offset commit failed")
		}
	}
}

// process invokes the handler, converting panics into transient errors so
// the outer routing and commit discipline still applies.
func (c *Consumer) process(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Transientf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

func fromKafka(topic string, km kafka.Message) Message {
	headers := make([]Header, 0, len(km.Headers))
	for _, h := range km.Headers {
		headers = append(headers, Header{Key: h.Key, Value: string(h.Value)})
	}
	return Message{Topic: topic, Key: km.Key, Value: km.Value, Headers: headers}
}
