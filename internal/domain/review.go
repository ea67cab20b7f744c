package domain

import (
	"math"
	"time"
)

// ReviewStatus is the state of a review item.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewCorrected ReviewStatus = "corrected"
	ReviewRejected  ReviewStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewCorrected || s == ReviewRejected
}

// Priority bounds: 1 is most urgent.
const (
	PriorityUrgent  = 1
	PriorityLowest  = 10
	PriorityDefault = 5
)

// PriorityFor maps confidence to a review priority. Lower confidence is more
// urgent: 0 maps to 1, 1.0 maps to 10.
func PriorityFor(confidence float64) int {
	if math.IsNaN(confidence) || confidence < 0 {
		confidence = 0
	}
	p := PriorityUrgent + int(math.Floor(confidence*9))
	if p < PriorityUrgent {
		return PriorityUrgent
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// ReviewItem is a candidate awaiting human disposition.
type ReviewItem struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	EmailID    string `json:"emailId"`
	TemplateID string `json:"templateId,omitempty"`
	Sender     string `json:"sender"`

	Status   ReviewStatus `json:"status"`
	Priority int          `json:"priority"`

	// Snapshot is the frozen extraction result.
	Snapshot Candidate `json:"snapshot"`

	Notes        string `json:"notes,omitempty"`
	SimilarCount int    `json:"similarCount"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`

	TransactionID string     `json:"transactionId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Transition moves the item to a terminal status.
func (r *ReviewItem) Transition(to ReviewStatus) error {
	if r.Status.Terminal() || !to.Terminal() {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.Status = to
	r.ResolvedAt = &now
	return nil
}
