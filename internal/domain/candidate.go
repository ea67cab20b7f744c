package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FieldResult is the outcome of extracting one field.
type FieldResult struct {
	Value      string              `json:"value"`
	Strategy   *ExtractionStrategy `json:"strategy,omitempty"`
	Confidence float64             `json:"confidence"`
	Matches    []string            `json:"matches,omitempty"`
}

// Succeeded reports whether a strategy produced a usable value.
func (r FieldResult) Succeeded() bool {
	return r.Strategy != nil && r.Value != ""
}

// Candidate is the in-memory extraction result for one email.
type Candidate struct {
	EmailID         string `json:"emailId"`
	TemplateID      string `json:"templateId,omitempty"`
	TemplateVersion int    `json:"templateVersion,omitempty"`

	Fields        map[Field]FieldResult `json:"fields"`
	Missing       []Field               `json:"missing,omitempty"`
	LowConfidence []Field               `json:"lowConfidence,omitempty"`

	// Confidence is the minimum over required fields, 0 if any failed.
	Confidence float64 `json:"confidence"`

	// Parsed values
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	OccurredAt time.Time       `json:"occurredAt"`
	Type       TransactionType `json:"type"`
	Merchant   string          `json:"merchant,omitempty"`
	Reference  string          `json:"reference,omitempty"`

	// Hints inferred from the body text.
	Status   string `json:"status,omitempty"`
	BankHint string `json:"bankHint,omitempty"`

	// Unmatched is set when no template applied. Suggested holds the ad-hoc
	// strategies that were executed, if any.
	Unmatched bool                           `json:"unmatched,omitempty"`
	Suggested map[Field][]ExtractionStrategy `json:"suggested,omitempty"`
	Error     string                         `json:"error,omitempty"`
}

// Matched reports whether the candidate was produced from a known template.
func (c *Candidate) Matched() bool {
	return c.TemplateID != "" && !c.Unmatched
}

// ToTransaction converts the candidate into a transaction record.
func (c *Candidate) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		TenantID:   tenantID,
		EmailID:    c.EmailID,
		TemplateID: c.TemplateID,
		Amount:     c.Amount,
		Currency:   c.Currency,
		OccurredAt: c.OccurredAt,
		Type:       c.Type,
		Merchant:   c.Merchant,
		Reference:  c.Reference,
		Confidence: c.Confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
