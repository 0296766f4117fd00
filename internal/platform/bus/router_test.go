package bus

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureProducer struct {
	msgs []Message
	err  error
}

func (p *captureProducer) Produce(_ context.Context, msgs ...Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func newTestRouter(p Producer, maxAttempts int) *Router {
	r := NewRouter(p, maxAttempts, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestRoute_PermanentGoesToErrorTopic(t *testing.T) {
	p := &captureProducer{}
	r := newTestRouter(p, 5)

	msg := Message{Key: []byte("FacilityA"), Value: []byte(`{}`)}
	r.Route(context.Background(), "ResourceEvaluated", msg, Permanentf("missing correlation id"))

	if len(p.msgs) != 1 {
		t.Fatalf("expected 1 routed message, got %d", len(p.msgs))
	}
	out := p.msgs[0]
	if out.Topic != "ResourceEvaluated-Error" {
		t.Errorf("expected error topic, got %s", out.Topic)
	}
	if out.GetHeader(ErrorReasonHeader) != "missing correlation id" {
		t.Errorf("missing error reason header")
	}
	if out.GetHeader(ExceptionFacilityHeader) != "FacilityA" {
		t.Errorf("expected facility recovered from key, got %q", out.GetHeader(ExceptionFacilityHeader))
	}
}

func TestRoute_TransientGoesToRetryTopicWithEnvelope(t *testing.T) {
	p := &captureProducer{}
	r := newTestRouter(p, 5)

	msg := Message{Key: []byte("FacilityA"), Value: []byte(`{}`)}
	r.Route(context.Background(), "ValidationComplete", msg, Transientf("schedule not yet created"))

	out := p.msgs[0]
	if out.Topic != "ValidationComplete-Retry" {
		t.Fatalf("expected retry topic, got %s", out.Topic)
	}
	if out.GetHeader(RetryAttemptHeader) != "1" {
		t.Errorf("expected attempt 1, got %q", out.GetHeader(RetryAttemptHeader))
	}
	notBefore, err := time.Parse(time.RFC3339, out.GetHeader(RetryNotBeforeHeader))
	if err != nil {
		t.Fatalf("bad not-before header: %v", err)
	}
	if !notBefore.After(r.now()) {
		t.Error("next-eligible time should be in the future")
	}
}

func TestRoute_AttemptIncrementsAcrossHops(t *testing.T) {
	p := &captureProducer{}
	r := newTestRouter(p, 10)

	msg := Message{Key: []byte("F"), Value: []byte(`{}`)}
	msg.SetHeader(RetryAttemptHeader, "3")
	r.Route(context.Background(), "T", msg, errors.New("timeout"))

	if got := p.msgs[0].GetHeader(RetryAttemptHeader); got != "4" {
		t.Errorf("expected attempt 4, got %q", got)
	}
}

func TestRoute_ExhaustedRetriesDeadLetter(t *testing.T) {
	p := &captureProducer{}
	r := newTestRouter(p, 3)

	msg := Message{Key: []byte("F"), Value: []byte(`{}`)}
	msg.SetHeader(RetryAttemptHeader, strconv.Itoa(2))
	r.Route(context.Background(), "T", msg, errors.New("still failing"))

	if p.msgs[0].Topic != "T-Error" {
		t.Errorf("exhausted retries should dead-letter, got %s", p.msgs[0].Topic)
	}
}

func TestRoute_ProducerFailureDoesNotPanic(t *testing.T) {
	p := &captureProducer{err: errors.New("broker down")}
	r := newTestRouter(p, 3)
	r.Route(context.Background(), "T", Message{}, errors.New("boom"))
}

func TestBackoffCapped(t *testing.T) {
	if backoff(0) != retryBackoffBase {
		t.Errorf("first backoff should be the base")
	}
	if backoff(50) != retryBackoffCap {
		t.Errorf("large attempts should cap, got %v", backoff(50))
	}
	for a := 0; a < 10; a++ {
		if backoff(a) > retryBackoffCap {
			t.Errorf("attempt %d exceeds cap", a)
		}
	}
}
