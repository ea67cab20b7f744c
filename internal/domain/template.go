package domain

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Field names a transaction attribute extracted from an email.
type Field string

// Extractable fields.
const (
	FieldAmount    Field = "amount"
	FieldDate      Field = "date"
	FieldMerchant  Field = "merchant"
	FieldReference Field = "reference"
	FieldType      Field = "type"
)

// AlwaysRequired lists the fields every template must extract.
var AlwaysRequired = []Field{FieldAmount, FieldDate}

// ValidField reports whether f is a known field name.
func ValidField(f Field) bool {
	switch f {
	case FieldAmount, FieldDate, FieldMerchant, FieldReference, FieldType:
		return true
	}
	return false
}

// StrategyKind is the closed set of extraction techniques.
type StrategyKind string

const (
	// KindSelector runs a CSS selector against the parsed HTML tree.
	KindSelector StrategyKind = "selector"

	// KindPattern runs a regular expression against normalized text.
	KindPattern StrategyKind = "pattern"

	// KindEntity filters entities produced by an entity classifier.
	KindEntity StrategyKind = "entity"
)

// Valid reports whether k is one of the known kinds.
func (k StrategyKind) Valid() bool {
	return k == KindSelector || k == KindPattern || k == KindEntity
}

// ExtractionStrategy is one way of pulling a field out of an email.
// Instruction holds the selector, the pattern, or the entity label.
type ExtractionStrategy struct {
	Kind        StrategyKind `json:"kind" yaml:"kind"`
	Instruction string       `json:"instruction" yaml:"instruction"`
	Weight      float64      `json:"weight" yaml:"weight"`
}

// Equal reports whether two strategies describe the same technique.
func (s ExtractionStrategy) Equal(o ExtractionStrategy) bool {
	return s.Kind == o.Kind && s.Instruction == o.Instruction
}

// SortStrategies orders strategies by descending weight. Equal weights keep
// their relative order.
func SortStrategies(strategies []ExtractionStrategy) {
	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Weight > strategies[j].Weight
	})
}

// DefaultConfidenceThreshold is used when a template does not set one.
const DefaultConfidenceThreshold = 0.7

// BankTemplate is a versioned recipe for recognizing and parsing one bank's
// notification emails.
type BankTemplate struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	BankName string `json:"bankName"`
	Name     string `json:"name"`

	// Version increases on every strategy change.
	Version int  `json:"version"`
	Active  bool `json:"active"`

	// Matching
	SenderPatterns   []string `json:"senderPatterns"`
	SubjectPatterns  []string `json:"subjectPatterns"`
	RequiredKeywords []string `json:"requiredKeywords"`

	// Extraction
	Fields          map[Field][]ExtractionStrategy `json:"fields"`
	RequiredFields  []Field                        `json:"requiredFields,omitempty"`
	TransactionType TransactionType                `json:"transactionType,omitempty"`

	ConfidenceThreshold float64 `json:"confidenceThreshold"`

	// Outcome history
	SuccessCount int64      `json:"successCount"`
	FailureCount int64      `json:"failureCount"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SuccessRate returns success / (success + failure), or 0 without history.
func (t *BankTemplate) SuccessRate() float64 {
	total := t.SuccessCount + t.FailureCount
	if total == 0 {
		return 0
	}
	return float64(t.SuccessCount) / float64(total)
}

// Threshold returns the acceptance threshold, falling back to the default.
func (t *BankTemplate) Threshold() float64 {
	if t.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return t.ConfidenceThreshold
}

// Required returns the required fields: amount, date and any configured extras.
func (t *BankTemplate) Required() []Field {
	out := append([]Field(nil), AlwaysRequired...)
	for _, f := range t.RequiredFields {
		if !containsField(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// IsRequired reports whether f must be extracted for the candidate to count.
func (t *BankTemplate) IsRequired(f Field) bool {
	return containsField(t.Required(), f)
}

// ExtractFields returns every field the orchestrator should attempt, required
// fields first, in a stable order.
func (t *BankTemplate) ExtractFields() []Field {
	out := t.Required()
	var extra []Field
	for f := range t.Fields {
		if !containsField(out, f) {
			extra = append(extra, f)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Clone returns a deep copy so callers can work on a snapshot.
func (t *BankTemplate) Clone() *BankTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.SenderPatterns = append([]string(nil), t.SenderPatterns...)
	c.SubjectPatterns = append([]string(nil), t.SubjectPatterns...)
	c.RequiredKeywords = append([]string(nil), t.RequiredKeywords...)
	c.RequiredFields = append([]Field(nil), t.RequiredFields...)
	if t.Fields != nil {
		c.Fields = make(map[Field][]ExtractionStrategy, len(t.Fields))
		for f, s := range t.Fields {
			c.Fields[f] = append([]ExtractionStrategy(nil), s...)
		}
	}
	if t.LastUsedAt != nil {
		ts := *t.LastUsedAt
		c.LastUsedAt = &ts
	}
	return &c
}

// Validate checks a template before it is stored.
func (t *BankTemplate) Validate() error {
	if t.Name == "" && t.BankName == "" {
		return fmt.Errorf("%w: template name or bank name is required", ErrInvalidInput)
	}
	if len(t.SenderPatterns)+len(t.SubjectPatterns)+len(t.RequiredKeywords) == 0 {
		return fmt.Errorf("%w: template needs at least one sender, subject or keyword pattern", ErrInvalidInput)
	}
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold must be in [0, 1]", ErrInvalidInput)
	}
	for _, p := range t.SubjectPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: subject pattern %q: %v", ErrInvalidInput, p, err)
		}
	}
	for _, f := range t.RequiredFields {
		if !ValidField(f) {
			return fmt.Errorf("%w: unknown required field %q", ErrInvalidInput, f)
		}
	}
	for f, strategies := range t.Fields {
		if !ValidField(f) {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidInput, f)
		}
		for _, s := range strategies {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("field %s: %w", f, err)
			}
		}
	}
	return nil
}

// Validate checks that the strategy can be executed.
func (s ExtractionStrategy) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown strategy kind %q", ErrInvalidInput, s.Kind)
	}
	if s.Instruction == "" {
		return fmt.Errorf("%w: strategy instruction is required", ErrInvalidInput)
	}
	if s.Weight < 0 || s.Weight > 1 {
		return fmt.Errorf("%w: strategy weight must be in [0, 1]", ErrInvalidInput)
	}
	if s.Kind == KindPattern {
		if _, err := regexp.Compile(s.Instruction); err != nil {
			return fmt.Errorf("%w: invalid pattern %q: %v", ErrInvalidInput, s.Instruction, err)
		}
	}
	return nil
}

func containsField(fields []Field, f Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
