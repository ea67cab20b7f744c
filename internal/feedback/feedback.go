// Package feedback turns human corrections into template improvements.
//
// A correction names one field of a transaction or review item and its true
// value. The producing strategy of the template is replaced by a supplied
// strategy or demoted, the template version is bumped under optimistic
// concurrency, and accuracy is measured before and after over a sample of
// emails the template has processed.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/extract"
	"github.com/lggm33/AFP-Project/internal/metrics"
	"github.com/lggm33/AFP-Project/internal/normalize"
)

// Mutation limits.
const (
	MinWeight         = 0.05
	DefaultSampleSize = 50
	DefaultMaxRetries = 3
)

// Request describes one field correction. Exactly one of TransactionID and
// ReviewItemID identifies the target.
type Request struct {
	TransactionID string                     `json:"transactionId,omitempty"`
	ReviewItemID  string                     `json:"reviewItemId,omitempty"`
	Field         domain.Field               `json:"field"`
	NewValue      string                     `json:"newValue"`
	Strategy      *domain.ExtractionStrategy `json:"strategy,omitempty"`
	AutoApply     bool                       `json:"autoApply"`
	Reason        string                     `json:"reason,omitempty"`
	AIAssisted    bool                       `json:"aiAssisted,omitempty"`
}

// Options tunes the feedback loop.
type Options struct {
	SampleSize       int
	CorrectionWeight float64
	MaxRetries       int
}

// Service applies corrections.
type Service struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	orch    *extract.Orchestrator
	metrics *metrics.Metrics
	opts    Options
	locks   *keyedMutex
	commit  *Committer
}

// NewService creates a feedback service. cache, eventBus and m may be nil.
func NewService(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, orch *extract.Orchestrator, m *metrics.Metrics, opts Options) *Service {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.CorrectionWeight <= 0 || opts.CorrectionWeight > 1 {
		opts.CorrectionWeight = 0.9
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if orch == nil {
		orch = extract.NewOrchestrator(nil, nil, extract.Options{})
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		bus:     eventBus,
		orch:    orch,
		metrics: m,
		opts:    opts,
		locks:   newKeyedMutex(),
		commit:  NewCommitter(repo, eventBus),
	}
}

// target is the resolved subject of a correction.
type target struct {
	tx         *domain.Transaction
	item       *domain.ReviewItem
	email      *domain.Email
	templateID string
	oldValue   string
	sender     string
}

// ApplyCorrection records a correction and improves the producing template.
func (s *Service) ApplyCorrection(ctx context.Context, tenantID string, req Request) (*domain.Correction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if (req.TransactionID == "") == (req.ReviewItemID == "") {
		return nil, fmt.Errorf("%w: exactly one of transactionId and reviewItemId is required", domain.ErrInvalidInput)
	}
	if err := ValidateValue(req.Field, req.NewValue); err != nil {
		return nil, err
	}
	supplied, err := s.suppliedStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}

	// 1. Resolve old value, template and source email
	t, err := s.resolve(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	// 2. Serialize per template
	unlock := s.locks.Lock(tenantID + "/" + t.templateID)
	defer unlock()

	correction := &domain.Correction{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ReviewItemID: req.ReviewItemID,
		TemplateID:   t.templateID,
		Field:        req.Field,
		OldValue:     t.oldValue,
		NewValue:     strings.TrimSpace(req.NewValue),
		CreatedAt:    time.Now().UTC(),
	}
	if t.tx != nil {
		correction.TransactionID = t.tx.ID
	}
	if t.email != nil {
		correction.EmailID = t.email.ID
	}

	// 3. Mutate the template
	var improvement *domain.TemplateImprovement
	if t.templateID != "" {
		improvement, err = s.improveTemplate(ctx, tenantID, t, req, supplied)
		if err != nil {
			return nil, err
		}
	}
	if improvement != nil {
		improvement.CorrectionID = correction.ID
		correction.TemplateUpdated = true
		correction.AccuracyBefore = improvement.AccuracyBefore
		correction.AccuracyAfter = improvement.AccuracyAfter
		correction.ConfidenceImprovement = improvement.AccuracyAfter - improvement.AccuracyBefore

		if err := s.repo.SaveImprovement(ctx, tenantID, improvement); err != nil {
			return nil, fmt.Errorf("failed to save improvement: %w", err)
		}
	}

	// 4. Update the transaction
	if t.tx != nil {
		if err := SetTransactionField(t.tx, req.Field, req.NewValue); err != nil {
			return nil, err
		}
		if err := s.repo.UpdateTransaction(ctx, tenantID, t.tx); err != nil {
			return nil, fmt.Errorf("failed to update transaction: %w", err)
		}
	}

	// 5. Bulk-correct similar pending items
	if req.AutoApply && t.templateID != "" && t.oldValue != "" {
		n, err := s.applyToSimilar(ctx, tenantID, t, req)
		if err != nil {
			slog.Warn("auto-apply failed",
				"tenant_id", tenantID,
				"template_id", t.templateID,
				"error", err,
			)
		}
		correction.SimilarUpdated = n
	}

	// 6. Append the audit record
	if err := s.repo.SaveCorrection(ctx, tenantID, correction); err != nil {
		return nil, fmt.Errorf("failed to save correction: %w", err)
	}

	// 7. Invalidate, publish, count
	if improvement != nil && s.cache != nil {
		if err := s.cache.InvalidateTemplates(ctx, tenantID); err != nil {
			slog.Warn("template cache invalidation failed", "tenant_id", tenantID, "error", err)
		}
	}
	s.publish(ctx, tenantID, correction, improvement)
	s.metrics.RecordCorrection(string(req.Field), correction.TemplateUpdated)

	slog.Info("correction applied",
		"tenant_id", tenantID,
		"template_id", t.templateID,
		"field", req.Field,
		"template_updated", correction.TemplateUpdated,
		"similar_updated", correction.SimilarUpdated,
		"accuracy_before", correction.AccuracyBefore,
		"accuracy_after", correction.AccuracyAfter,
	)

	return correction, nil
}

func (s *Service) suppliedStrategy(in *domain.ExtractionStrategy) (*domain.ExtractionStrategy, error) {
	if in == nil {
		return nil, nil
	}
	out := *in
	out.Instruction = strings.TrimSpace(out.Instruction)
	if out.Weight <= 0 || out.Weight > 1 {
		out.Weight = s.opts.CorrectionWeight
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) resolve(ctx context.Context, tenantID string, req Request) (*target, error) {
	t := &target{}

	if req.ReviewItemID != "" {
		item, err := s.repo.GetReviewItem(ctx, tenantID, req.ReviewItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to load review item: %w", err)
		}
		t.item = item
		t.templateID = item.TemplateID
		t.sender = item.Sender
		t.oldValue = CandidateValue(&item.Snapshot, req.Field)

		if item.TransactionID != "" {
			tx, err := s.repo.GetTransaction(ctx, tenantID, item.TransactionID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("failed to load transaction: %w", err)
			}
			t.tx = tx
		}
		t.email = s.loadEmail(ctx, tenantID, item.EmailID)
		return t, nil
	}

	tx, err := s.repo.GetTransaction(ctx, tenantID, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	t.tx = tx
	t.templateID = tx.TemplateID
	t.oldValue = tx.FieldValue(req.Field)
	t.email = s.loadEmail(ctx, tenantID, tx.EmailID)
	if t.email != nil {
		t.sender = t.email.Sender
	}
	return t, nil
}

func (s *Service) loadEmail(ctx context.Context, tenantID, emailID string) *domain.Email {
	if emailID == "" {
		return nil
	}
	email, err := s.repo.GetEmail(ctx, tenantID, emailID)
	if err != nil {
		slog.Debug("source email unavailable", "tenant_id", tenantID, "email_id", emailID, "error", err)
		return nil
	}
	return email
}

// improveTemplate mutates the template field under optimistic concurrency.
// It returns nil when no mutation applies.
func (s *Service) improveTemplate(ctx context.Context, tenantID string, t *target, req Request, supplied *domain.ExtractionStrategy) (*domain.TemplateImprovement, error) {
	for attempt := 0; ; attempt++ {
		tpl, err := s.repo.GetTemplate(ctx, tenantID, t.templateID)
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("correction references unknown template",
				"tenant_id", tenantID,
				"template_id", t.templateID,
			)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load template: %w", err)
		}

		current := tpl.Fields[req.Field]
		producing := s.producingStrategy(t, req.Field, current)

		next, reason := Mutate(current, producing, supplied)
		if reason == "" {
			return nil, nil
		}

		sample := s.sample(ctx, tenantID, t, req)
		before := s.accuracy(sample, req.Field, current)
		after := s.accuracy(sample, req.Field, next)

		expected := tpl.Version
		updated := tpl.Clone()
		if updated.Fields == nil {
			updated.Fields = make(map[domain.Field][]domain.ExtractionStrategy)
		}
		updated.Fields[req.Field] = next
		updated.Version = expected + 1

		err = s.repo.UpdateTemplate(ctx, tenantID, updated, expected)
		if errors.Is(err, domain.ErrVersionConflict) && attempt < s.opts.MaxRetries {
			slog.Info("template version conflict, retrying",
				"tenant_id", tenantID,
				"template_id", t.templateID,
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update template: %w", err)
		}

		if req.Reason != "" {
			reason = reason + ": " + req.Reason
		}
		return &domain.TemplateImprovement{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			TemplateID:     t.templateID,
			Field:          req.Field,
			OldStrategies:  current,
			NewStrategies:  next,
			Reason:         reason,
			AccuracyBefore: before,
			AccuracyAfter:  after,
			SampleSize:     len(sample),
			FromVersion:    expected,
			ToVersion:      updated.Version,
			AIAssisted:     req.AIAssisted,
			CreatedAt:      time.Now().UTC(),
		}, nil
	}
}

// producingStrategy finds the strategy that yielded the old value. The
// source email is re-run when available; the frozen snapshot is the fallback.
func (s *Service) producingStrategy(t *target, field domain.Field, current []domain.ExtractionStrategy) *domain.ExtractionStrategy {
	if t.email != nil {
		c := normalize.Normalize(t.email.Body, t.email.MIMEType)
		if res := s.orch.ExtractField(c, field, current); res.Succeeded() {
			return res.Strategy
		}
	}
	if t.item != nil {
		if res, ok := t.item.Snapshot.Fields[field]; ok && res.Strategy != nil {
			return res.Strategy
		}
	}
	return nil
}

// Mutate applies the correction rules to a field's strategies and returns the
// new sorted list with a reason. An empty reason means nothing changed.
func Mutate(current []domain.ExtractionStrategy, producing, supplied *domain.ExtractionStrategy) ([]domain.ExtractionStrategy, string) {
	next := append([]domain.ExtractionStrategy(nil), current...)
	idx := -1
	if producing != nil {
		idx = indexOf(next, *producing)
	}

	var reason string
	switch {
	case supplied != nil && idx >= 0:
		if dup := indexOf(next, *supplied); dup >= 0 && dup != idx {
			next = append(next[:dup], next[dup+1:]...)
			if dup < idx {
				idx--
			}
		}
		next[idx] = *supplied
		reason = "replaced producing strategy"
	case supplied != nil:
		if dup := indexOf(next, *supplied); dup >= 0 {
			next[dup].Weight = supplied.Weight
			reason = "re-weighted supplied strategy"
		} else {
			next = append(next, *supplied)
			reason = "added supplied strategy"
		}
	case idx >= 0:
		w := next[idx].Weight / 2
		if w < MinWeight {
			w = MinWeight
		}
		if w == next[idx].Weight {
			return current, ""
		}
		next[idx].Weight = w
		reason = "demoted producing strategy"
	default:
		return current, ""
	}

	domain.SortStrategies(next)
	return next, reason
}

func indexOf(strategies []domain.ExtractionStrategy, s domain.ExtractionStrategy) int {
	for i, x := range strategies {
		if x.Equal(s) {
			return i
		}
	}
	return -1
}

type sampleEmail struct {
	emailID string
	content *normalize.Content
	known   string
}

// sample collects recent emails of the template plus the corrected one, with
// the best known value of the field for each.
func (s *Service) sample(ctx context.Context, tenantID string, t *target, req Request) []sampleEmail {
	emails, err := s.repo.ListEmailsByTemplate(ctx, tenantID, t.templateID, s.opts.SampleSize)
	if err != nil {
		slog.Warn("accuracy sample unavailable", "tenant_id", tenantID, "template_id", t.templateID, "error", err)
	}
	if t.email != nil {
		found := false
		for _, e := range emails {
			if e.ID == t.email.ID {
				found = true
				break
			}
		}
		if !found {
			emails = append(emails, t.email)
		}
	}

	known := s.knownValues(ctx, tenantID, t.templateID, req.Field)
	if t.email != nil {
		known[t.email.ID] = strings.TrimSpace(req.NewValue)
	}

	out := make([]sampleEmail, 0, len(emails))
	for _, e := range emails {
		v, ok := known[e.ID]
		if !ok {
			if tx, err := s.repo.GetTransactionByEmail(ctx, tenantID, e.ID); err == nil {
				v = tx.FieldValue(req.Field)
			}
		}
		out = append(out, sampleEmail{
			emailID: e.ID,
			content: normalize.Normalize(e.Body, e.MIMEType),
			known:   v,
		})
	}
	return out
}

// knownValues maps email ID to the latest corrected value of field.
func (s *Service) knownValues(ctx context.Context, tenantID, templateID string, field domain.Field) map[string]string {
	known := make(map[string]string)
	corrections, err := s.repo.ListCorrections(ctx, tenantID, templateID)
	if err != nil {
		return known
	}
	for _, c := range corrections {
		if c.Field == field && c.EmailID != "" {
			known[c.EmailID] = c.NewValue
		}
	}
	return known
}

// accuracy is the share of sample emails where strategies extract the known
// value, or any value when none is known.
func (s *Service) accuracy(sample []sampleEmail, field domain.Field, strategies []domain.ExtractionStrategy) float64 {
	if len(sample) == 0 {
		return 0
	}
	hits := 0
	for _, e := range sample {
		res := s.orch.ExtractField(e.content, field, strategies)
		if !res.Succeeded() {
			continue
		}
		if e.known == "" || SameValue(field, res.Value, e.known) {
			hits++
		}
	}
	return float64(hits) / float64(len(sample))
}

// applyToSimilar settles pending review items from the same template and
// sender that carry the same old value: each is committed as corrected with
// the new value. The queued snapshots stay as they were. Items that would
// still lack a required field remain pending.
func (s *Service) applyToSimilar(ctx context.Context, tenantID string, t *target, req Request) (int, error) {
	items, err := s.repo.ListReviewItems(ctx, tenantID, domain.ReviewFilter{
		Status:     domain.ReviewPending,
		TemplateID: t.templateID,
		Sender:     t.sender,
	})
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, item := range items {
		if item.ID == req.ReviewItemID {
			continue
		}
		if !SameValue(req.Field, CandidateValue(&item.Snapshot, req.Field), t.oldValue) {
			continue
		}

		values := CloneCandidate(&item.Snapshot)
		if err := SetCandidateField(values, req.Field, req.NewValue); err != nil {
			return updated, err
		}
		if err := Complete(values); err != nil {
			slog.Debug("similar item left pending",
				"tenant_id", tenantID,
				"review_id", item.ID,
				"reason", err,
			)
			continue
		}

		item.Notes = joinNotes(item.Notes, fmt.Sprintf("auto-corrected %s: %q -> %q", req.Field, t.oldValue, strings.TrimSpace(req.NewValue)))
		if _, err := s.commit.Commit(ctx, tenantID, item, values, domain.ReviewCorrected); err != nil {
			return updated, fmt.Errorf("failed to settle review item %s: %w", item.ID, err)
		}
		updated++
	}
	return updated, nil
}

func joinNotes(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}

type templateUpdatedEvent struct {
	TemplateID string       `json:"templateId"`
	Field      domain.Field `json:"field"`
	Version    int          `json:"version"`
}

func (s *Service) publish(ctx context.Context, tenantID string, c *domain.Correction, imp *domain.TemplateImprovement) {
	if s.bus == nil {
		return
	}
	if imp != nil {
		evt := templateUpdatedEvent{TemplateID: imp.TemplateID, Field: imp.Field, Version: imp.ToVersion}
		if err := bus.PublishJSON(ctx, s.bus, tenantID, domain.TopicTemplateUpdated, evt); err != nil {
			slog.Warn("failed to publish event", "topic", domain.TopicTemplateUpdated, "error", err)
		}
	}
	if err := bus.PublishJSON(ctx, s.bus, tenantID, domain.TopicCorrectionApplied, c); err != nil {
		slog.Warn("failed to publish event", "topic", domain.TopicCorrectionApplied, "error", err)
	}
}
