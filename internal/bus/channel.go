// Package bus carries pipeline work and events between the API, the
// worker and other subscribers, in process or over NATS.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/domain"
)

// ChannelBus delivers messages in process over buffered channels. It backs
// the Community tier, where API and worker share one binary.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	routes     map[routeKey]*route
	closed     bool
}

type routeKey struct {
	tenantID string
	topic    string
}

// route lists the subscribers of one tenant topic. next rotates work
// topic deliveries across them.
type route struct {
	subs []*channelSubscription
	next int
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	key     routeKey
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus returns a bus whose subscribers each buffer bufferSize
// messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		routes:     make(map[routeKey]*route),
	}
}

// Publish never blocks. A full subscriber drops an event, while a work
// topic refuses the email with ErrBackpressure so the caller can retry.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errTenantRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Write lock: Close must not close a channel mid-send and work
	// delivery advances the route cursor.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	msg := newMessage(tenantID, topic, payload)
	rt := b.routes[routeKey{tenantID, topic}]

	if IsWorkTopic(topic) {
		if rt == nil || len(rt.subs) == 0 {
			slog.Warn("no worker subscribed, email stays pending",
				"tenant_id", tenantID,
				"topic", topic,
			)
			return nil
		}
		sub := rt.subs[rt.next%len(rt.subs)]
		rt.next++
		select {
		case sub.msgCh <- msg:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrBackpressure, topic)
		}
	}

	if rt == nil {
		return nil
	}
	for _, sub := range rt.subs {
		select {
		case sub.msgCh <- msg:
		default:
			slog.Warn("event dropped, subscriber buffer full",
				"tenant_id", tenantID,
				"topic", topic,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe starts a goroutine that runs handler for each message until
// the subscription, ctx, or the bus ends.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.New().String(),
		key:     routeKey{tenantID, topic},
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	rt := b.routes[sub.key]
	if rt == nil {
		rt = &route{}
		b.routes[sub.key] = rt
	}
	rt.subs = append(rt.subs, sub)

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"tenant_id", msg.TenantID,
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, rt := range b.routes {
		for _, sub := range rt.subs {
			sub.cancel()
			close(sub.msgCh)
		}
	}
	b.routes = make(map[routeKey]*route)
	return nil
}

// subscriberCount reports how many subscriptions a tenant topic has.
func (b *ChannelBus) subscriberCount(tenantID, topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rt := b.routes[routeKey{tenantID, topic}]; rt != nil {
		return len(rt.subs)
	}
	return 0
}

// Unsubscribe stops delivery to this subscription.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	rt := b.routes[s.key]
	if rt == nil {
		return nil
	}
	for i, sub := range rt.subs {
		if sub == s {
			rt.subs = append(rt.subs[:i:i], rt.subs[i+1:]...)
			break
		}
	}
	if len(rt.subs) == 0 {
		delete(b.routes, s.key)
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.key.topic
}
