// Package router implements the confidence router.
// It decides, per candidate, between auto-acceptance and the review queue.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/domain"
)

// Router aggregates extraction confidence and review rule results and
// produces a routing decision.
type Router struct {
	// Threshold used when the candidate has no template.
	DefaultThreshold float64
}

// NewRouter creates a router with default settings.
func NewRouter() *Router {
	return &Router{
		DefaultThreshold: domain.DefaultConfidenceThreshold,
	}
}

// Input contains all data needed for a decision.
type Input struct {
	TenantID  string
	TraceID   string
	Email     *domain.Email
	Candidate *domain.Candidate

	// Template is nil for unmatched candidates.
	Template *domain.BankTemplate

	RuleResults  []domain.RuleResult
	SimilarCount int
	StartTime    time.Time
}

// Decision is the routing outcome. Exactly one of Accepted and Queued is set.
type Decision struct {
	Accepted *domain.Transaction `json:"accepted,omitempty"`
	Queued   *domain.ReviewItem  `json:"queued,omitempty"`

	Threshold  float64  `json:"threshold"`
	Reasons    []string `json:"reasons,omitempty"`
	DecisionMs int64    `json:"decisionMs"`
	TotalMs    int64    `json:"totalMs"`
}

// Route accepts the candidate iff it came from a matched template, its
// confidence reaches the template threshold and no review rule fired.
// Everything else is queued for review.
func (r *Router) Route(ctx context.Context, in *Input) *Decision {
	start := time.Now()
	cand := in.Candidate

	d := &Decision{Threshold: r.threshold(in.Template)}
	d.Reasons = Reasons(cand, in.RuleResults, d.Threshold)

	if r.accept(in, d.Threshold) {
		tx := cand.ToTransaction(in.TenantID)
		tx.ID = uuid.New().String()
		d.Accepted = tx
	} else {
		d.Queued = r.enqueue(in, d.Reasons)
	}

	d.DecisionMs = time.Since(start).Milliseconds()
	if !in.StartTime.IsZero() {
		d.TotalMs = time.Since(in.StartTime).Milliseconds()
	}
	return d
}

func (r *Router) threshold(tpl *domain.BankTemplate) float64 {
	if tpl == nil {
		return r.DefaultThreshold
	}
	return tpl.Threshold()
}

func (r *Router) accept(in *Input, threshold float64) bool {
	cand := in.Candidate
	if in.Template == nil || !cand.Matched() {
		return false
	}
	if cand.Confidence < threshold {
		return false
	}
	return len(domain.Triggered(in.RuleResults)) == 0
}

func (r *Router) enqueue(in *Input, reasons []string) *domain.ReviewItem {
	cand := in.Candidate
	item := &domain.ReviewItem{
		ID:           uuid.New().String(),
		TenantID:     in.TenantID,
		EmailID:      cand.EmailID,
		TemplateID:   cand.TemplateID,
		Status:       domain.ReviewPending,
		Priority:     domain.PriorityFor(cand.Confidence),
		Snapshot:     *cand,
		Notes:        strings.Join(reasons, "; "),
		SimilarCount: in.SimilarCount,
		Error:        cand.Error,
		CreatedAt:    time.Now().UTC(),
	}
	if in.Email != nil {
		item.Sender = in.Email.Sender
		item.Attempts = in.Email.Attempts
	}
	return item
}

// ForceQueue builds a review item for an email that exhausted its attempts.
// in.Candidate may be nil when extraction never ran.
func (r *Router) ForceQueue(in *Input, cause error) *domain.ReviewItem {
	if in.Candidate == nil {
		in.Candidate = &domain.Candidate{
			EmailID:    in.Email.ID,
			Fields:     map[domain.Field]domain.FieldResult{},
			Missing:    append([]domain.Field(nil), domain.AlwaysRequired...),
			OccurredAt: in.Email.ReceivedAt,
		}
	}

	msg := domain.ErrMaxAttempts.Error()
	if cause != nil {
		msg = fmt.Sprintf("%v: %v", domain.ErrMaxAttempts, cause)
	}

	item := r.enqueue(in, append(Reasons(in.Candidate, in.RuleResults, r.threshold(in.Template)), msg))
	item.Priority = domain.PriorityUrgent
	item.Error = msg
	return item
}

// RecordFailure counts a failed processing attempt on the email and reports
// whether it is now exhausted.
func RecordFailure(email *domain.Email, err error) bool {
	email.Attempts++
	if err != nil {
		email.LastError = err.Error()
	}
	if email.Exhausted() {
		email.Status = domain.EmailFailed
		return true
	}
	email.Status = domain.EmailPending
	return false
}

// Reasons lists human-readable reasons a candidate needs attention.
func Reasons(cand *domain.Candidate, results []domain.RuleResult, threshold float64) []string {
	var reasons []string

	if cand.Unmatched || cand.TemplateID == "" {
		reasons = append(reasons, "no matching template")
	}
	if len(cand.Missing) > 0 {
		reasons = append(reasons, "missing fields: "+joinFields(cand.Missing))
	}
	if len(cand.LowConfidence) > 0 {
		reasons = append(reasons, "low confidence fields: "+joinFields(cand.LowConfidence))
	}
	if cand.Confidence < threshold {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", cand.Confidence, threshold))
	}
	for _, res := range domain.Triggered(results) {
		if res.Reason != "" {
			reasons = append(reasons, res.Reason)
		} else {
			reasons = append(reasons, "review rule "+res.RuleID)
		}
	}
	return reasons
}

func joinFields(fields []domain.Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
