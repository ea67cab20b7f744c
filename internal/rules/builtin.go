package rules

import "github.com/lggm33/AFP-Project/internal/domain"

// BuiltinRules returns the review rules seeded for a tenant that has none.
func BuiltinRules() []*domain.ReviewRule {
	return []*domain.ReviewRule{
		{
			ID:          "builtin-failed-status",
			Name:        "Failed transaction notice",
			Description: "The bank reports the transaction as declined or failed.",
			Expression:  `status == "failed"`,
			Reason:      "notification reports a failed transaction",
			Enabled:     true,
		},
		{
			ID:          "builtin-future-date",
			Name:        "Date after delivery",
			Description: "Extracted date lies more than a day after the email arrived.",
			Expression:  `occurred_at > received_at + duration("24h")`,
			Reason:      "transaction date is after the email was received",
			Enabled:     true,
		},
	}
}
