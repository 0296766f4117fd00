package bus

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Retry/error topic suffixes. Every consumed topic T has two derived
// topics, T-Retry and T-Error; consumers never subscribe to their own.
const (
	RetryTopicSuffix = "-Retry"
	ErrorTopicSuffix = "-Error"
)

const (
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 15 * time.Minute
)

// Router classifies a failed message and republishes it out-of-band.
// Transient failures go to the retry topic with an incremented attempt
// counter and a next-eligible time; permanent failures, and transient
// failures that have exhausted their attempts, go to the error topic.
// Routing never blocks the offset commit: failures to republish are
// logged and dropped.
type Router struct {
	producer    Producer
	maxAttempts int
	log         zerolog.Logger

	now func() time.Time
}

func NewRouter(producer Producer, maxAttempts int, log zerolog.Logger) *Router {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Router{producer: producer, maxAttempts: maxAttempts, log: log, now: time.Now}
}

// Route republishes msg according to the classification of cause.
func (r *Router) Route(ctx context.Context, topic string, msg Message, cause error) {
	attempt := retryAttempt(&msg)

	out := Message{
		Topic:   topic + ErrorTopicSuffix,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append([]Header(nil), msg.Headers...),
	}
	out.SetHeader(ErrorReasonHeader, cause.Error())
	// Keep the facility recoverable even when the value never deserialized.
	if out.GetHeader(ExceptionFacilityHeader) == "" && len(msg.Key) > 0 {
		out.SetHeader(ExceptionFacilityHeader, string(msg.Key))
	}

	disposition := "dead-letter"
	if !IsPermanent(cause) && attempt+1 < r.maxAttempts {
		out.Topic = topic + RetryTopicSuffix
		out.SetHeader(RetryAttemptHeader, strconv.Itoa(attempt+1))
		out.SetHeader(RetryNotBeforeHeader, r.now().Add(backoff(attempt)).UTC().Format(time.RFC3339))
		disposition = "retry"
	}

	evt := r.log.Warn().
		Str("topic", topic).
		Str("route", out.Topic).
		Str("disposition", disposition).
		Int("attempt", attempt).
		Str("correlation_id", msg.CorrelationID()).
		Err(cause)

	if err := r.producer.Produce(ctx, out); err != nil {
		r.log.Error().Err(err).Str("route", out.Topic).Msg("failed to republish failed message")
	}
	evt.Msg("message routed out-of-band")
}

func retryAttempt(msg *Message) int {
	n, err := strconv.Atoi(msg.GetHeader(RetryAttemptHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func backoff(attempt int) time.Duration {
	d := retryBackoffBase << uint(attempt)
	if d <= 0 || d > retryBackoffCap {
		return retryBackoffCap
	}
	return d
}
