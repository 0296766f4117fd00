package bus

import (
	"github.com/google/uuid"
)

// Header names carried on every saga message.
const (
	CorrelationIDHeader      = "X-Correlation-Id"
	ExceptionFacilityHeader  = "X-Exception-Facility-Id"
	ErrorReasonHeader        = "X-Error-Reason"
	RetryAttemptHeader       = "X-Retry-Attempt"
	RetryNotBeforeHeader     = "X-Retry-Not-Before"
)

// Header is a single Kafka record header.
type Header struct {
	Key   string
	Value string
}

// Message is the transport-neutral view of one Kafka record. Key is the
// partition key (facility id, or a JSON composite for topics that need one).
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []Header
}

// GetHeader returns the value of the named header, or "" when absent.
func (m *Message) GetHeader(key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// SetHeader replaces the named header, appending it when absent.
func (m *Message) SetHeader(key, value string) {
	for i, h := range m.Headers {
		if h.Key == key {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Key: key, Value: value})
}

// CorrelationID returns the message's correlation id header.
func (m *Message) CorrelationID() string {
	return m.GetHeader(CorrelationIDHeader)
}

// EnsureCorrelationID propagates the message's correlation id, minting a
// fresh one when none is present, and returns it.
func (m *Message) EnsureCorrelationID() string {
	if id := m.CorrelationID(); id != "" {
		return id
	}
	id := uuid.NewString()
	m.SetHeader(CorrelationIDHeader, id)
	return id
}
