package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of payload a message carries. The set is closed:
// handlers switch on it exhaustively rather than probing payloads.
type Type string

const (
	TypeMetricData         Type = "metric_data"
	TypeAlert              Type = "alert"
	TypeRemediationRequest Type = "remediation_request"
	TypeRemediationResult  Type = "remediation_result"
	TypeStatusUpdate       Type = "status_update"
	TypeHealthCheck        Type = "health_check"
	TypeTrendAnalysis      Type = "trend_analysis"
	TypeSystemCommand      Type = "system_command"
	TypeCoordination       Type = "coordination"
	TypeNetworkUpdate      Type = "network_update"
)

// Types lists every message type, in queue-registry order.
func Types() []Type {
	return []Type{
		TypeMetricData,
		TypeAlert,
		TypeRemediationRequest,
		TypeRemediationResult,
		TypeStatusUpdate,
		TypeHealthCheck,
		TypeTrendAnalysis,
		TypeSystemCommand,
		TypeCoordination,
		TypeNetworkUpdate,
	}
}

// Priority orders messages for queue selection and pull-style consumption.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

// Priorities lists every priority level from lowest to highest.
func Priorities() []Priority {
	return []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, PriorityEmergency}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityEmergency
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Message is the immutable unit of inter-agent communication. Construct one
// with New and do not mutate it afterwards; the bus hands the same value to
// every subscriber.
type Message struct {
	ID            string        `json:"id"`
	Type          Type          `json:"type"`
	Priority      Priority      `json:"priority"`
	Sender        string        `json:"sender"`
	Recipients    []string      `json:"recipients,omitempty"`
	Payload       any           `json:"payload"`
	Timestamp     time.Time     `json:"timestamp"`
	TTL           time.Duration `json:"ttl,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// Option customizes a message at construction time.
type Option func(*Message)

// WithTTL marks the message as expirable after d.
func WithTTL(d time.Duration) Option {
	return func(m *Message) { m.TTL = d }
}

// WithCorrelation tags the message for request/response pairing. The bus does
// not enforce pairing; consumers match on the id by convention.
func WithCorrelation(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// WithRecipients addresses the message to specific agents. Delivery mechanics
// are unchanged (type-based fan-out); recipients are advisory metadata that
// consumers filter on.
func WithRecipients(names ...string) Option {
	return func(m *Message) { m.Recipients = names }
}

// NewMessage builds a message with a fresh unique id and the current
// timestamp. No recipients means broadcast.
func NewMessage(sender string, t Type, p Priority, payload any, opts ...Option) Message {
	m := Message{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  p,
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// IsBroadcast reports whether the message is addressed to everyone.
func (m Message) IsBroadcast() bool {
	return len(m.Recipients) == 0
}

// AddressedTo reports whether name should act on this message: broadcasts
// address everyone, direct sends address only the listed recipients.
func (m Message) AddressedTo(name string) bool {
	if m.IsBroadcast() {
		return true
	}
	for _, r := range m.Recipients {
		if r == name {
			return true
		}
	}
	return false
}

// Expired reports whether the message's TTL has elapsed as of now.
// Messages without a TTL never expire.
func (m Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > m.TTL
}
