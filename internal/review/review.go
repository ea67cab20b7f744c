// Package review implements reviewer actions on queued candidates.
package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/feedback"
)

// FieldFix is one reviewer-supplied field value.
type FieldFix struct {
	Field     domain.Field               `json:"field"`
	Value     string                     `json:"value"`
	Strategy  *domain.ExtractionStrategy `json:"strategy,omitempty"`
	AutoApply bool                       `json:"autoApply"`
}

// Result is the outcome of a reviewer action.
type Result struct {
	Item        *domain.ReviewItem   `json:"item"`
	Transaction *domain.Transaction  `json:"transaction,omitempty"`
	Corrections []*domain.Correction `json:"corrections,omitempty"`
}

// Service drives the review state machine.
type Service struct {
	repo     domain.Repository
	feedback *feedback.Service
	commit   *feedback.Committer
}

// NewService creates a review service. eventBus may be nil.
func NewService(repo domain.Repository, fb *feedback.Service, eventBus domain.EventBus) *Service {
	return &Service{repo: repo, feedback: fb, commit: feedback.NewCommitter(repo, eventBus)}
}

// List returns review items, most urgent first.
func (s *Service) List(ctx context.Context, tenantID string, filter domain.ReviewFilter) ([]*domain.ReviewItem, error) {
	return s.repo.ListReviewItems(ctx, tenantID, filter)
}

// Get returns one review item.
func (s *Service) Get(ctx context.Context, tenantID, itemID string) (*domain.ReviewItem, error) {
	return s.repo.GetReviewItem(ctx, tenantID, itemID)
}

// Approve accepts the frozen snapshot as a transaction.
func (s *Service) Approve(ctx context.Context, tenantID, itemID string) (*Result, error) {
	item, err := s.pending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	tx, err := s.commit.Commit(ctx, tenantID, item, &item.Snapshot, domain.ReviewApproved)
	if err != nil {
		return nil, err
	}

	slog.Info("review approved",
		"tenant_id", tenantID,
		"review_id", item.ID,
		"transaction_id", tx.ID,
	)
	return &Result{Item: item, Transaction: tx}, nil
}

// Reject closes the item without a transaction and counts a template failure.
func (s *Service) Reject(ctx context.Context, tenantID, itemID, reason string) (*Result, error) {
	item, err := s.pending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}

	if err := item.Transition(domain.ReviewRejected); err != nil {
		return nil, err
	}
	if reason != "" {
		item.Notes = joinNotes(item.Notes, "rejected: "+reason)
	}
	if err := s.repo.UpdateReviewItem(ctx, tenantID, item); err != nil {
		return nil, fmt.Errorf("failed to update review item: %w", err)
	}

	s.commit.CountOutcome(ctx, tenantID, item.TemplateID, false)
	s.commit.MarkEmail(ctx, tenantID, item.EmailID, domain.EmailProcessed, reason)

	slog.Info("review rejected", "tenant_id", tenantID, "review_id", item.ID)
	return &Result{Item: item}, nil
}

// Correct applies field fixes through the feedback loop, then commits the
// corrected values. The queued snapshot is kept as extracted. A retry after
// a partial failure skips fixes already recorded for this item.
func (s *Service) Correct(ctx context.Context, tenantID, itemID string, fixes []FieldFix) (*Result, error) {
	if len(fixes) == 0 {
		return nil, fmt.Errorf("%w: at least one field fix is required", domain.ErrInvalidInput)
	}
	for _, fix := range fixes {
		if err := feedback.ValidateValue(fix.Field, fix.Value); err != nil {
			return nil, err
		}
	}

	item, err := s.pending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	values := feedback.CloneCandidate(&item.Snapshot)
	for _, fix := range fixes {
		if err := feedback.SetCandidateField(values, fix.Field, fix.Value); err != nil {
			return nil, err
		}
	}
	if err := feedback.Complete(values); err != nil {
		return nil, err
	}

	applied, err := s.appliedCorrections(ctx, tenantID, item)
	if err != nil {
		return nil, err
	}

	// 1. Feed every outstanding fix back into the template
	corrections := make([]*domain.Correction, 0, len(fixes))
	for _, fix := range fixes {
		if prev, ok := applied[fix.Field]; ok && feedback.SameValue(fix.Field, prev.NewValue, fix.Value) {
			corrections = append(corrections, prev)
			continue
		}
		c, err := s.feedback.ApplyCorrection(ctx, tenantID, feedback.Request{
			ReviewItemID: itemID,
			Field:        fix.Field,
			NewValue:     fix.Value,
			Strategy:     fix.Strategy,
			AutoApply:    fix.AutoApply,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply correction for %s: %w", fix.Field, err)
		}
		corrections = append(corrections, c)
	}

	// 2. Commit against a fresh copy of the item
	item, err = s.pending(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	tx, err := s.commit.Commit(ctx, tenantID, item, values, domain.ReviewCorrected)
	if err != nil {
		return nil, err
	}

	slog.Info("review corrected",
		"tenant_id", tenantID,
		"review_id", item.ID,
		"transaction_id", tx.ID,
		"fields", len(fixes),
	)
	return &Result{Item: item, Transaction: tx, Corrections: corrections}, nil
}

// appliedCorrections returns the latest correction per field already
// recorded against item.
func (s *Service) appliedCorrections(ctx context.Context, tenantID string, item *domain.ReviewItem) (map[domain.Field]*domain.Correction, error) {
	all, err := s.repo.ListCorrections(ctx, tenantID, item.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load corrections: %w", err)
	}
	out := make(map[domain.Field]*domain.Correction)
	for _, c := range all {
		if c.ReviewItemID != item.ID {
			continue
		}
		// Newest first
		if _, seen := out[c.Field]; !seen {
			out[c.Field] = c
		}
	}
	return out, nil
}

func (s *Service) pending(ctx context.Context, tenantID, itemID string) (*domain.ReviewItem, error) {
	item, err := s.repo.GetReviewItem(ctx, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return nil, fmt.Errorf("%w: review item %s is already %s", domain.ErrInvalidTransition, itemID, item.Status)
	}
	return item, nil
}

func joinNotes(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
