package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/nats-io/nats.go"
)

// subjectPrefix roots every subject: afp.<tenant>.<topic>.
const subjectPrefix = "afp"

// NATSBus carries work and events between processes. Work topics use a
// queue group, so each email reaches one worker across the deployment.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	bus   *NATSBus
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl, retrying the initial dial up to
// cfg.NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.NATSQueueGroup == "" {
		cfg.NATSQueueGroup = "afp-workers"
	}

	conn, err := dialNATS(cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[string]*natsSubscription),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	opts := []nats.Option{
		nats.Name("afp"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			// Slow consumers drop messages; for work topics that leaves emails pending.
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// dialNATS retries the first connection with doubling waits capped at
// four times the configured reconnect wait.
func dialNATS(cfg domain.EventBusConfig) (*nats.Conn, error) {
	opts := natsOptions(cfg)
	base := time.Duration(cfg.NATSReconnectWait) * time.Second
	wait := base

	var lastErr error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"retry_in", wait,
			"error", err,
		)
		if attempt == cfg.NATSMaxReconnects {
			break
		}
		time.Sleep(wait)
		if wait < 4*base {
			wait *= 2
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS at %s after %d attempts: %w",
		cfg.NATSUrl, cfg.NATSMaxReconnects, lastErr)
}

// Publish wraps payload in a domain.Message and sends it on the tenant's
// subject.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errTenantRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", topic, err)
	}

	if err := b.conn.Publish(subject(tenantID, topic), data); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return fmt.Errorf("%w: %s payload exceeds server limit", domain.ErrInvalidInput, topic)
		}
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler on the tenant's subject. Handlers run on the
// subscription's delivery goroutine, one message at a time.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	cb := dispatcher(ctx, tenantID, handler)
	subj := subject(tenantID, topic)

	var (
		ns  *nats.Subscription
		err error
	)
	if IsWorkTopic(topic) {
		ns, err = b.conn.QueueSubscribe(subj, b.queueGroup, cb)
	} else {
		ns, err = b.conn.Subscribe(subj, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subj, err)
	}

	sub := &natsSubscription{bus: b, id: uuid.New().String(), topic: topic, sub: ns}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	// The subscription ends with its context, as on the channel bus.
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Unsubscribe()
		}()
	}
	return sub, nil
}

// dispatcher decodes the envelope and hands it to handler. Messages whose
// envelope names another tenant are dropped.
func dispatcher(ctx context.Context, tenantID string, handler domain.MessageHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to decode NATS message", "subject", m.Subject, "error", err)
			return
		}
		if !accepts(tenantID, &msg) {
			slog.Warn("dropping message for another tenant",
				"subject", m.Subject,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
			)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"tenant_id", msg.TenantID,
				"topic", msg.Topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

// Ping flushes the connection, so it fails when the server is unreachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight handlers finish, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// subject maps a tenant topic to afp.<tenant>.<topic without afp.>.
func subject(tenantID, topic string) string {
	return subjectPrefix + "." + tenantID + "." + strings.TrimPrefix(topic, subjectPrefix+".")
}

// Unsubscribe is idempotent and tolerates a closed connection.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	err := s.sub.Unsubscribe()
	if err == nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
