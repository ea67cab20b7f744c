package domain

import (
	"context"
)

// EventBus moves emails to workers and announces pipeline events. Work
// topics (email.received, email.failed) reach exactly one subscriber; every
// other topic fans out. Every call is scoped to a tenant.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus delivers.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type selects the in-process "channel" bus or "nats".
	Type string `json:"type"`

	// ChannelBufferSize is the per-subscriber queue depth.
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS connection; the queue group shares work topics across workers.
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
	NATSQueueGroup    string `json:"natsQueueGroup"`
}

// Standard topic names for the extraction pipeline.
const (
	TopicEmailReceived       = "afp.email.received"
	TopicEmailFailed         = "afp.email.failed"
	TopicTransactionAccepted = "afp.transaction.accepted"
	TopicReviewQueued        = "afp.review.queued"
	TopicCorrectionApplied   = "afp.correction.applied"
	TopicTemplateUpdated     = "afp.template.updated"
)

// GlobalTenant is the bus key for work topics shared by all tenants. Events
// published under it carry their tenant in the payload.
const GlobalTenant = "_global"

// EmailEvent is the payload on TopicEmailReceived and TopicEmailFailed.
type EmailEvent struct {
	EmailID  string `json:"emailId"`
	TenantID string `json:"tenantId"`
	TraceID  string `json:"traceId,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}
