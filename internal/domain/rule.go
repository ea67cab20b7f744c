package domain

import "time"

// ReviewRule is a CEL expression evaluated against every candidate.
// A rule that evaluates to true forces the candidate into review.
type ReviewRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression, must return bool
	Expression string `json:"expression"`

	// Reason is copied into the review notes when the rule fires.
	Reason string `json:"reason"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleResult is the output of a review rule evaluation.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
	ProcessMs int64  `json:"processMs"`
}

// Triggered returns the results that fired.
func Triggered(results []RuleResult) []RuleResult {
	var out []RuleResult
	for _, r := range results {
		if r.Triggered {
			out = append(out, r)
		}
	}
	return out
}
