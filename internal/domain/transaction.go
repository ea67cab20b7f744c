package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a committed transaction.
type TransactionType string

const (
	TypePurchase TransactionType = "purchase"
	TypeTransfer TransactionType = "transfer"
	TypeATM      TransactionType = "atm"
	TypePayment  TransactionType = "payment"
	TypeDeposit  TransactionType = "deposit"
)

// ParseTransactionType validates a type name.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case TypePurchase, TypeTransfer, TypeATM, TypePayment, TypeDeposit:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, s)
}

// Transaction is an accepted extraction result.
// It changes only through a recorded Correction.
type Transaction struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	EmailID    string `json:"emailId"`
	TemplateID string `json:"templateId,omitempty"`

	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	OccurredAt time.Time       `json:"occurredAt"`
	Type       TransactionType `json:"type"`
	Merchant   string          `json:"merchant,omitempty"`
	Reference  string          `json:"reference,omitempty"`

	// Confidence at acceptance time.
	Confidence float64 `json:"confidence"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FieldValue returns the string form of a field, as used in corrections.
func (t *Transaction) FieldValue(f Field) string {
	switch f {
	case FieldAmount:
		return t.Amount.String()
	case FieldDate:
		if t.OccurredAt.IsZero() {
			return ""
		}
		return t.OccurredAt.Format(time.RFC3339)
	case FieldMerchant:
		return t.Merchant
	case FieldReference:
		return t.Reference
	case FieldType:
		return string(t.Type)
	}
	return ""
}
