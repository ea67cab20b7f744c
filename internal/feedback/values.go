package feedback

import (
	"fmt"
	"strings"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/extract"
)

// ValidateValue checks that value is acceptable for field.
func ValidateValue(field domain.Field, value string) error {
	if !domain.ValidField(field) {
		return fmt.Errorf("%w: unknown field %q", domain.ErrInvalidInput, field)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: value for %s is empty", domain.ErrInvalidInput, field)
	}

	switch field {
	case domain.FieldAmount:
		if _, err := extract.ParseAmount(value); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	case domain.FieldDate:
		if _, err := extract.ParseDate(value); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	case domain.FieldType:
		if _, err := domain.ParseTransactionType(strings.ToLower(strings.TrimSpace(value))); err != nil {
			return err
		}
	}
	return nil
}

// SetTransactionField writes a validated value into a transaction.
func SetTransactionField(tx *domain.Transaction, field domain.Field, value string) error {
	if err := ValidateValue(field, value); err != nil {
		return err
	}

	switch field {
	case domain.FieldAmount:
		tx.Amount, _ = extract.ParseAmount(value)
	case domain.FieldDate:
		tx.OccurredAt, _ = extract.ParseDate(value)
	case domain.FieldMerchant:
		tx.Merchant = strings.TrimSpace(value)
	case domain.FieldReference:
		tx.Reference = strings.TrimSpace(value)
	case domain.FieldType:
		tx.Type, _ = domain.ParseTransactionType(strings.ToLower(strings.TrimSpace(value)))
	}
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCandidateField writes a human-supplied value into a candidate snapshot.
// The field counts as extracted with full confidence and is removed from the
// missing and low-confidence lists.
func SetCandidateField(c *domain.Candidate, field domain.Field, value string) error {
	if err := ValidateValue(field, value); err != nil {
		return err
	}
	value = strings.TrimSpace(value)

	if c.Fields == nil {
		c.Fields = make(map[domain.Field]domain.FieldResult)
	}
	res := c.Fields[field]
	res.Value = value
	res.Confidence = 1
	c.Fields[field] = res

	c.Missing = removeField(c.Missing, field)
	c.LowConfidence = removeField(c.LowConfidence, field)

	switch field {
	case domain.FieldAmount:
		c.Amount, _ = extract.ParseAmount(value)
	case domain.FieldDate:
		c.OccurredAt, _ = extract.ParseDate(value)
	case domain.FieldMerchant:
		c.Merchant = value
	case domain.FieldReference:
		c.Reference = value
	case domain.FieldType:
		c.Type, _ = domain.ParseTransactionType(strings.ToLower(value))
	}
	return nil
}

// CandidateValue returns the current value of a field in a snapshot.
func CandidateValue(c *domain.Candidate, field domain.Field) string {
	return c.Fields[field].Value
}

// SameValue compares two field values the way the field is interpreted:
// amounts numerically, dates by calendar day, text case-insensitively.
func SameValue(field domain.Field, a, b string) bool {
	switch field {
	case domain.FieldAmount:
		x, errA := extract.ParseAmount(a)
		y, errB := extract.ParseAmount(b)
		if errA == nil && errB == nil {
			return x.Equal(y)
		}
	case domain.FieldDate:
		x, errA := extract.ParseDate(a)
		y, errB := extract.ParseDate(b)
		if errA == nil && errB == nil {
			return x.Year() == y.Year() && x.YearDay() == y.YearDay()
		}
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func removeField(fields []domain.Field, f domain.Field) []domain.Field {
	out := fields[:0:0]
	for _, x := range fields {
		if x != f {
			out = append(out, x)
		}
	}
	return out
}
