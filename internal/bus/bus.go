package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/domain"
)

var (
	// ErrBackpressure is returned when a work topic cannot accept more emails.
	ErrBackpressure = errors.New("event bus queue is full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event bus is closed")

	errTenantRequired = fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// workTopics carry emails to process. Each message must reach exactly one
// worker and must not be silently dropped.
var workTopics = map[string]bool{
	domain.TopicEmailReceived: true,
	domain.TopicEmailFailed:   true,
}

// IsWorkTopic reports whether topic is consumed as a work queue.
func IsWorkTopic(topic string) bool {
	return workTopics[topic]
}

// newMessage builds the envelope both buses deliver.
func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// accepts reports whether a subscription registered under subTenant may see
// msg. The global subscription sees every tenant; others only their own.
func accepts(subTenant string, msg *domain.Message) bool {
	return subTenant == domain.GlobalTenant || msg.TenantID == subTenant
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodeEmailEvent parses the payload of an email topic.
func DecodeEmailEvent(msg *domain.Message) (*domain.EmailEvent, error) {
	var ev domain.EmailEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("invalid email event: %w", err)
	}
	if ev.EmailID == "" {
		return nil, fmt.Errorf("invalid email event: emailId is required")
	}
	if ev.TenantID == "" {
		ev.TenantID = msg.TenantID
	}
	return &ev, nil
}
