package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/domain"
)

// Committer resolves review items into transactions. It is shared by the
// review actions and bulk auto-apply so both settle items the same way.
type Committer struct {
	repo domain.Repository
	bus  domain.EventBus
}

// NewCommitter creates a committer. eventBus may be nil.
func NewCommitter(repo domain.Repository, eventBus domain.EventBus) *Committer {
	return &Committer{repo: repo, bus: eventBus}
}

// Commit stores a transaction built from values and moves item to the
// terminal status to. The item's snapshot is left as queued. An existing
// transaction for the same email is updated in place.
func (c *Committer) Commit(ctx context.Context, tenantID string, item *domain.ReviewItem, values *domain.Candidate, to domain.ReviewStatus) (*domain.Transaction, error) {
	if item.Status.Terminal() {
		return nil, fmt.Errorf("%w: review item %s is already %s", domain.ErrInvalidTransition, item.ID, item.Status)
	}
	if err := Complete(values); err != nil {
		return nil, err
	}

	tx, err := c.repo.GetTransactionByEmail(ctx, tenantID, item.EmailID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		tx = values.ToTransaction(tenantID)
		tx.ID = uuid.New().String()
		tx.EmailID = item.EmailID
		tx.TemplateID = item.TemplateID
		if err := c.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			return nil, fmt.Errorf("failed to save transaction: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	default:
		next := values.ToTransaction(tenantID)
		next.ID = tx.ID
		next.EmailID = tx.EmailID
		next.TemplateID = tx.TemplateID
		next.CreatedAt = tx.CreatedAt
		tx = next
		if err := c.repo.UpdateTransaction(ctx, tenantID, tx); err != nil {
			return nil, fmt.Errorf("failed to update transaction: %w", err)
		}
	}

	if err := item.Transition(to); err != nil {
		return nil, err
	}
	item.TransactionID = tx.ID
	if err := c.repo.UpdateReviewItem(ctx, tenantID, item); err != nil {
		return nil, fmt.Errorf("failed to update review item: %w", err)
	}

	c.CountOutcome(ctx, tenantID, item.TemplateID, to == domain.ReviewApproved)
	c.MarkEmail(ctx, tenantID, item.EmailID, domain.EmailProcessed, "")

	if c.bus != nil {
		if err := bus.PublishJSON(ctx, c.bus, tenantID, domain.TopicTransactionAccepted, tx); err != nil {
			slog.Warn("failed to publish event", "topic", domain.TopicTransactionAccepted, "error", err)
		}
	}
	return tx, nil
}

// CountOutcome bumps the template history: approved counts as a success,
// rejected and corrected as failures.
func (c *Committer) CountOutcome(ctx context.Context, tenantID, templateID string, success bool) {
	if templateID == "" {
		return
	}
	if err := c.repo.IncrementTemplateCounter(ctx, tenantID, templateID, success); err != nil {
		slog.Warn("failed to update template counters",
			"tenant_id", tenantID,
			"template_id", templateID,
			"error", err,
		)
	}
}

// MarkEmail records the final status of a source email.
func (c *Committer) MarkEmail(ctx context.Context, tenantID, emailID string, status domain.EmailStatus, note string) {
	if emailID == "" {
		return
	}
	email, err := c.repo.GetEmail(ctx, tenantID, emailID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	email.Status = status
	email.ProcessedAt = &now
	if note != "" {
		email.LastError = note
	}
	if err := c.repo.UpdateEmail(ctx, tenantID, email); err != nil {
		slog.Warn("failed to update email status", "tenant_id", tenantID, "email_id", emailID, "error", err)
	}
}

// Complete rejects candidates that still lack a required value.
func Complete(c *domain.Candidate) error {
	for _, f := range c.Missing {
		if f == domain.FieldAmount || f == domain.FieldDate {
			return fmt.Errorf("%w: %s is missing, correct it first", domain.ErrInvalidInput, f)
		}
	}
	if c.Amount.IsZero() {
		return fmt.Errorf("%w: amount is missing, correct it first", domain.ErrInvalidInput)
	}
	return nil
}

// CloneCandidate copies c deeply enough that field edits on the copy leave
// c untouched.
func CloneCandidate(c *domain.Candidate) *domain.Candidate {
	out := *c
	out.Fields = make(map[domain.Field]domain.FieldResult, len(c.Fields))
	for f, r := range c.Fields {
		out.Fields[f] = r
	}
	out.Missing = append([]domain.Field(nil), c.Missing...)
	out.LowConfidence = append([]domain.Field(nil), c.LowConfidence...)
	return &out
}
