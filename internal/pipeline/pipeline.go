// Package pipeline runs one email through normalization, template matching,
// field extraction, review rules and the confidence router, and persists the
// outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/extract"
	"github.com/lggm33/AFP-Project/internal/matcher"
	"github.com/lggm33/AFP-Project/internal/metrics"
	"github.com/lggm33/AFP-Project/internal/normalize"
	"github.com/lggm33/AFP-Project/internal/quota"
	"github.com/lggm33/AFP-Project/internal/router"
	"github.com/lggm33/AFP-Project/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("afp-pipeline")

// ErrAlreadyProcessed is returned for emails that already have an outcome.
var ErrAlreadyProcessed = errors.New("email already processed")

// Options tunes the pipeline.
type Options struct {
	// TemplateTTL bounds how long the active-template snapshot is cached.
	TemplateTTL time.Duration

	// SharedQueue publishes work topics under domain.GlobalTenant so a
	// single global worker consumes every tenant.
	SharedQueue bool

	// ClaimLease is how long a processing claim holds before another
	// worker may take the email over.
	ClaimLease time.Duration
}

// Pipeline wires the extraction stages together.
type Pipeline struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	orch    *extract.Orchestrator
	engine  *rules.Engine
	router  *router.Router
	metrics *metrics.Metrics
	opts    Options

	rulesMu     sync.Mutex
	rulesLoaded map[string]bool
}

// New creates a pipeline. cache, eventBus, engine and m may be nil.
func New(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, orch *extract.Orchestrator, engine *rules.Engine, rt *router.Router, m *metrics.Metrics, opts Options) *Pipeline {
	if rt == nil {
		rt = router.NewRouter()
	}
	if orch == nil {
		orch = extract.NewOrchestrator(nil, nil, extract.Options{})
	}
	if opts.TemplateTTL <= 0 {
		opts.TemplateTTL = time.Minute
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	return &Pipeline{
		repo:        repo,
		cache:       cache,
		bus:         eventBus,
		orch:        orch,
		engine:      engine,
		router:      rt,
		metrics:     m,
		opts:        opts,
		rulesLoaded: make(map[string]bool),
	}
}

// Outcome summarizes what happened to one email.
type Outcome struct {
	EmailID    string            `json:"emailId"`
	TemplateID string            `json:"templateId,omitempty"`
	MatchLevel string            `json:"matchLevel"`
	Candidate  *domain.Candidate `json:"candidate"`
	Decision   *router.Decision  `json:"decision"`
}

// Ingest validates and stores a new email as pending. Callers either
// Enqueue it for the workers or Process it inline.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, email *domain.Email) (*domain.Email, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if email == nil || strings.TrimSpace(email.Body) == "" {
		return nil, fmt.Errorf("%w: email body is required", domain.ErrInvalidInput)
	}
	if email.Sender == "" {
		return nil, fmt.Errorf("%w: email sender is required", domain.ErrInvalidInput)
	}

	if email.ID == "" {
		email.ID = uuid.New().String()
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}
	email.Status = domain.EmailPending
	email.Attempts = 0

	if err := p.repo.SaveEmail(ctx, tenantID, email); err != nil {
		return nil, fmt.Errorf("failed to save email: %w", err)
	}
	return email, nil
}

// Enqueue publishes the email on the work topic.
func (p *Pipeline) Enqueue(ctx context.Context, tenantID string, email *domain.Email, traceID string) error {
	if p.bus == nil {
		return fmt.Errorf("no event bus configured")
	}
	return bus.PublishJSON(ctx, p.bus, p.queueKey(tenantID), domain.TopicEmailReceived, domain.EmailEvent{
		EmailID:  email.ID,
		TenantID: tenantID,
		TraceID:  traceID,
		Attempts: email.Attempts,
	})
}

// Process runs a stored email through the pipeline. The email is claimed
// first, so concurrent deliveries of one email run it once and the others
// get ErrAlreadyProcessed. Failures are counted on the email; an email that
// reaches the attempt limit is force-queued for review, and earlier failures
// are announced on the failed topic for retry.
func (p *Pipeline) Process(ctx context.Context, tenantID, emailID, traceID string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("email.id", emailID),
	))
	defer span.End()
	start := time.Now()

	email, err := p.repo.GetEmail(ctx, tenantID, emailID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load email: %w", err)
	}
	if email.Status == domain.EmailProcessed || email.Status == domain.EmailReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, emailID, email.Status)
	}
	claimed, err := p.repo.ClaimEmail(ctx, tenantID, emailID, p.opts.ClaimLease)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim email: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s is claimed by another worker", ErrAlreadyProcessed, emailID)
	}
	email.Status = domain.EmailProcessing

	// Out of attempts: skip extraction entirely
	if email.Exhausted() {
		var cause error
		if email.LastError != "" {
			cause = errors.New(email.LastError)
		}
		return p.forceQueue(ctx, tenantID, traceID, email, nil, cause, start)
	}

	outcome, err := p.run(ctx, tenantID, traceID, email, start)
	if err == nil {
		return outcome, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	exhausted := router.RecordFailure(email, err)
	slog.Warn("email processing failed",
		"tenant_id", tenantID,
		"email_id", email.ID,
		"attempts", email.Attempts,
		"error", err,
	)
	if exhausted {
		var cand *domain.Candidate
		if outcome != nil {
			cand = outcome.Candidate
		}
		return p.forceQueue(ctx, tenantID, traceID, email, cand, err, start)
	}

	if updErr := p.repo.UpdateEmail(ctx, tenantID, email); updErr != nil {
		slog.Error("failed to record attempt", "email_id", email.ID, "error", updErr)
	}
	p.metrics.RecordEmail("failed", time.Since(start))
	if p.bus != nil {
		if pubErr := bus.PublishJSON(ctx, p.bus, p.queueKey(tenantID), domain.TopicEmailFailed, domain.EmailEvent{
			EmailID:  email.ID,
			TenantID: tenantID,
			TraceID:  traceID,
			Attempts: email.Attempts,
			Error:    err.Error(),
		}); pubErr != nil {
			slog.Error("failed to publish failure", "email_id", email.ID, "error", pubErr)
		}
	}
	return nil, err
}

// run is one processing attempt. A returned outcome with an error carries
// the partial candidate.
func (p *Pipeline) run(ctx context.Context, tenantID, traceID string, email *domain.Email, start time.Time) (*Outcome, error) {
	// 1. Normalize
	content := normalize.Normalize(email.Body, email.MIMEType)

	// 2. Match against a snapshot of active templates
	templates, err := p.Templates(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	tpl, level := matcher.Match(matcher.Input{
		Sender:  email.Sender,
		Subject: email.Subject,
		Body:    content.FullText,
	}, templates)

	// 3. Extract
	cand, err := p.extract(ctx, tenantID, email, content, tpl)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		EmailID:    email.ID,
		TemplateID: cand.TemplateID,
		MatchLevel: level.String(),
		Candidate:  cand,
	}

	// 4. Review rules
	ruleResults := p.evaluateRules(ctx, tenantID, email, cand)

	// 5. Route
	similar := 0
	if tpl != nil {
		if n, err := p.repo.CountSimilarPending(ctx, tenantID, tpl.ID, email.Sender); err == nil {
			similar = n
		}
	}
	decision := p.router.Route(ctx, &router.Input{
		TenantID:     tenantID,
		TraceID:      traceID,
		Email:        email,
		Candidate:    cand,
		Template:     tpl,
		RuleResults:  ruleResults,
		SimilarCount: similar,
		StartTime:    start,
	})
	outcome.Decision = decision

	// 6. Persist
	if err := p.persist(ctx, tenantID, email, decision); err != nil {
		return outcome, err
	}

	outcomeLabel := "accepted"
	if decision.Queued != nil {
		outcomeLabel = "queued"
		p.metrics.RecordQueued(queueCause(cand, ruleResults))
	}
	p.metrics.RecordEmail(outcomeLabel, time.Since(start))
	if cand.Matched() {
		p.metrics.RecordConfidence(cand.Confidence)
	}

	slog.Info("email processed",
		"tenant_id", tenantID,
		"email_id", email.ID,
		"template_id", cand.TemplateID,
		"match_level", level.String(),
		"confidence", cand.Confidence,
		"outcome", outcomeLabel,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

func (p *Pipeline) extract(ctx context.Context, tenantID string, email *domain.Email, content *normalize.Content, tpl *domain.BankTemplate) (*domain.Candidate, error) {
	ctx, span := tracer.Start(ctx, "pipeline.extract")
	defer span.End()

	if tpl != nil {
		span.SetAttributes(attribute.String("template.id", tpl.ID))
		return p.orch.Extract(ctx, email, content, tpl)
	}

	cand, err := p.orch.ExtractUnmatched(domain.WithTenant(ctx, tenantID), email, content)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordSuggestion(suggestionResult(cand))
	return cand, nil
}

func suggestionResult(cand *domain.Candidate) string {
	switch {
	case len(cand.Suggested) > 0:
		return "ok"
	case strings.Contains(cand.Error, quota.ErrBudgetExceeded.Error()):
		return "budget"
	case strings.Contains(cand.Error, "timed out"):
		return "timeout"
	case strings.Contains(cand.Error, "unavailable"):
		return "error"
	}
	return "disabled"
}

func queueCause(cand *domain.Candidate, results []domain.RuleResult) string {
	switch {
	case !cand.Matched():
		return "unmatched"
	case len(domain.Triggered(results)) > 0:
		return "rule"
	}
	return "low_confidence"
}

func (p *Pipeline) evaluateRules(ctx context.Context, tenantID string, email *domain.Email, cand *domain.Candidate) []domain.RuleResult {
	if p.engine == nil {
		return nil
	}
	if err := p.ensureRules(ctx, tenantID); err != nil {
		slog.Warn("review rules unavailable", "tenant_id", tenantID, "error", err)
	}
	return p.engine.Evaluate(ctx, &rules.Input{
		TenantID:   tenantID,
		Candidate:  cand,
		Sender:     email.Sender,
		Subject:    email.Subject,
		ReceivedAt: email.ReceivedAt,
	})
}

// ensureRules loads a tenant's review rules on first use. Tenants without
// stored rules get the builtin set.
func (p *Pipeline) ensureRules(ctx context.Context, tenantID string) error {
	p.rulesMu.Lock()
	loaded := p.rulesLoaded[tenantID]
	p.rulesMu.Unlock()
	if loaded {
		return nil
	}
	_, err := p.ReloadRules(ctx, tenantID)
	return err
}

// ReloadRules reloads a tenant's review rules from the repository and
// returns how many are active.
func (p *Pipeline) ReloadRules(ctx context.Context, tenantID string) (int, error) {
	if p.engine == nil {
		return 0, nil
	}
	stored, err := p.repo.ListReviewRules(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(stored) == 0 {
		stored = rules.BuiltinRules()
	}
	if err := p.engine.ReloadRules(tenantID, stored); err != nil {
		return 0, err
	}

	p.rulesMu.Lock()
	p.rulesLoaded[tenantID] = true
	p.rulesMu.Unlock()

	return p.engine.RulesCount(tenantID), nil
}

// Templates returns the tenant's active templates, from cache when possible.
func (p *Pipeline) Templates(ctx context.Context, tenantID string) ([]*domain.BankTemplate, error) {
	if p.cache != nil {
		cached, err := p.cache.GetTemplates(ctx, tenantID)
		if err == nil && cached != nil {
			return cached, nil
		}
	}

	templates, err := p.repo.ListTemplates(ctx, tenantID, true)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.SetTemplates(ctx, tenantID, templates, p.opts.TemplateTTL); err != nil {
			slog.Warn("failed to cache templates", "tenant_id", tenantID, "error", err)
		}
	}
	return templates, nil
}

// InvalidateTemplates drops the cached template snapshot.
func (p *Pipeline) InvalidateTemplates(ctx context.Context, tenantID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateTemplates(ctx, tenantID); err != nil {
		slog.Warn("template cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

func (p *Pipeline) persist(ctx context.Context, tenantID string, email *domain.Email, d *router.Decision) error {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	now := time.Now().UTC()

	switch {
	case d.Accepted != nil:
		tx := d.Accepted
		if existing, err := p.repo.GetTransactionByEmail(ctx, tenantID, email.ID); err == nil {
			d.Accepted = existing
			tx = existing
		} else if errors.Is(err, domain.ErrNotFound) {
			if err := p.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
				return fmt.Errorf("failed to save transaction: %w", err)
			}
		} else {
			return fmt.Errorf("failed to check transaction: %w", err)
		}

		if err := p.repo.IncrementTemplateCounter(ctx, tenantID, tx.TemplateID, true); err != nil {
			slog.Warn("failed to update template counters", "template_id", tx.TemplateID, "error", err)
		}
		email.Status = domain.EmailProcessed
		email.TemplateID = tx.TemplateID
		p.publish(ctx, tenantID, domain.TopicTransactionAccepted, tx)

	case d.Queued != nil:
		item, err := p.saveReview(ctx, tenantID, d.Queued)
		if err != nil {
			return err
		}
		d.Queued = item
		email.Status = domain.EmailReview
		email.TemplateID = d.Queued.TemplateID
		p.publish(ctx, tenantID, domain.TopicReviewQueued, d.Queued)
	}

	email.ProcessedAt = &now
	email.LastError = ""
	if err := p.repo.UpdateEmail(ctx, tenantID, email); err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}
	return nil
}

// forceQueue sends an email that exhausted its attempts to review.
func (p *Pipeline) forceQueue(ctx context.Context, tenantID, traceID string, email *domain.Email, cand *domain.Candidate, cause error, start time.Time) (*Outcome, error) {
	item := p.router.ForceQueue(&router.Input{
		TenantID:  tenantID,
		TraceID:   traceID,
		Email:     email,
		Candidate: cand,
		StartTime: start,
	}, cause)

	item, err := p.saveReview(ctx, tenantID, item)
	if err != nil {
		email.Status = domain.EmailFailed
		_ = p.repo.UpdateEmail(ctx, tenantID, email)
		return nil, fmt.Errorf("failed to force-queue email: %w", err)
	}

	now := time.Now().UTC()
	email.Status = domain.EmailReview
	email.ProcessedAt = &now
	if err := p.repo.UpdateEmail(ctx, tenantID, email); err != nil {
		slog.Error("failed to update email", "email_id", email.ID, "error", err)
	}

	p.publish(ctx, tenantID, domain.TopicReviewQueued, item)
	p.metrics.RecordQueued("forced")
	p.metrics.RecordEmail("forced", time.Since(start))

	slog.Warn("email force-queued for review",
		"tenant_id", tenantID,
		"email_id", email.ID,
		"attempts", email.Attempts,
		"error", item.Error,
	)

	return &Outcome{
		EmailID:    email.ID,
		MatchLevel: matcher.LevelNone.String(),
		Candidate:  &item.Snapshot,
		Decision:   &router.Decision{Queued: item, Reasons: []string{item.Error}},
	}, nil
}

// saveReview stores item unless an earlier attempt already queued the same
// email, in which case that item is returned.
func (p *Pipeline) saveReview(ctx context.Context, tenantID string, item *domain.ReviewItem) (*domain.ReviewItem, error) {
	existing, err := p.repo.ListReviewItems(ctx, tenantID, domain.ReviewFilter{EmailID: item.EmailID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to check review items: %w", err)
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	if err := p.repo.SaveReviewItem(ctx, tenantID, item); err != nil {
		return nil, fmt.Errorf("failed to save review item: %w", err)
	}
	return item, nil
}

func (p *Pipeline) queueKey(tenantID string) string {
	if p.opts.SharedQueue {
		return domain.GlobalTenant
	}
	return tenantID
}

func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, v any) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.bus, tenantID, topic, v); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
