// Package worker consumes email work topics from the EventBus.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/metrics"
	"github.com/lggm33/AFP-Project/internal/pipeline"
)

// Processor runs one stored email through extraction.
type Processor interface {
	Process(ctx context.Context, tenantID, emailID, traceID string) (*pipeline.Outcome, error)
}

// Worker processes received emails and schedules retries for failed ones.
type Worker struct {
	bus       domain.EventBus
	processor Processor
	metrics   *metrics.Metrics

	retryBase time.Duration

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string

	// RetryBaseDelay is the delay before the first retry; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// NewWorker creates a new async worker. m may be nil.
func NewWorker(eventBus domain.EventBus, processor Processor, m *metrics.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		processor: processor,
		metrics:   m,
		retryBase: 2 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.RetryBaseDelay > 0 {
		w.retryBase = cfg.RetryBaseDelay
	}

	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"retry_base_delay", w.retryBase.String(),
	)

	return nil
}

// startGlobalWorker subscribes under domain.GlobalTenant (for dev and single-tenant deployments).
func (w *Worker) startGlobalWorker() error {
	if err := w.subscribe(domain.GlobalTenant); err != nil {
		return err
	}
	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	if err := w.subscribe(tenantID); err != nil {
		return err
	}
	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicEmailReceived, domain.TopicEmailFailed},
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	received, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEmailReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processEmail(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	failed, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEmailFailed, func(ctx context.Context, msg *domain.Message) error {
		return w.scheduleRetry(tenantID, msg)
	})
	if err != nil {
		_ = received.Unsubscribe()
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, received, failed)
	w.mu.Unlock()
	return nil
}

// processEmail runs one email event through the pipeline.
func (w *Worker) processEmail(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	// 1. Decode event
	ev, err := bus.DecodeEmailEvent(msg)
	if err != nil {
		slog.Error("failed to parse email event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use event tenant if provided
	if ev.TenantID != "" {
		tenantID = ev.TenantID
	}
	traceID := ev.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing email",
		"email_id", ev.EmailID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"attempts", ev.Attempts,
	)

	// 2. Process; failures are recorded and republished by the pipeline
	outcome, err := w.processor.Process(ctx, tenantID, ev.EmailID, traceID)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyProcessed):
		slog.Debug("duplicate email event ignored",
			"email_id", ev.EmailID,
			"tenant_id", tenantID,
		)
		return nil
	case err != nil:
		return err
	}

	slog.Debug("email event handled",
		"email_id", ev.EmailID,
		"tenant_id", tenantID,
		"queued", outcome.Decision != nil && outcome.Decision.Queued != nil,
	)
	return nil
}

// scheduleRetry republishes a failed email after an exponential backoff.
func (w *Worker) scheduleRetry(tenantID string, msg *domain.Message) error {
	ev, err := bus.DecodeEmailEvent(msg)
	if err != nil {
		slog.Error("failed to parse failure event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.TenantID == "" {
		ev.TenantID = tenantID
	}

	delay := w.Backoff(ev.Attempts)
	w.metrics.RecordRetry()

	slog.Info("email retry scheduled",
		"email_id", ev.EmailID,
		"tenant_id", ev.TenantID,
		"attempts", ev.Attempts,
		"delay", delay.String(),
		"error", ev.Error,
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
		}

		retry := domain.EmailEvent{
			EmailID:  ev.EmailID,
			TenantID: ev.TenantID,
			TraceID:  ev.TraceID,
			Attempts: ev.Attempts,
		}
		if err := bus.PublishJSON(w.ctx, w.bus, tenantID, domain.TopicEmailReceived, retry); err != nil {
			slog.Error("failed to republish email",
				"email_id", ev.EmailID,
				"tenant_id", ev.TenantID,
				"error", err,
			)
		}
	}()
	return nil
}

// Backoff returns the retry delay after the given number of failed attempts.
func (w *Worker) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10
	}
	return w.retryBase * time.Duration(1<<(attempts-1))
}

// Stop gracefully stops all workers. Pending retries are dropped; their
// emails stay pending and can be re-enqueued.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
