// Package seed imports and exports bank templates and review rules as YAML.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/domain"
)

// File is the on-disk layout.
//
//	templates:
//	  - id: bankx-purchase
//	    bank: BankX
//	    senders: ["@bankx.com"]
//	    fields:
//	      amount:
//	        - {kind: pattern, instruction: 'Amount:\s*([\d.]+)', weight: 0.9}
//	rules:
//	  - id: large-amount
//	    expression: amount > 10000.0
type File struct {
	Templates []Template `yaml:"templates"`
	Rules     []Rule     `yaml:"rules,omitempty"`
}

// Template is the file form of a domain.BankTemplate.
type Template struct {
	ID              string                                       `yaml:"id"`
	Bank            string                                       `yaml:"bank"`
	Name            string                                       `yaml:"name,omitempty"`
	Active          *bool                                        `yaml:"active,omitempty"`
	Senders         []string                                     `yaml:"senders,omitempty"`
	Subjects        []string                                     `yaml:"subjects,omitempty"`
	Keywords        []string                                     `yaml:"keywords,omitempty"`
	Threshold       float64                                      `yaml:"threshold,omitempty"`
	RequiredFields  []domain.Field                               `yaml:"requiredFields,omitempty"`
	TransactionType domain.TransactionType                       `yaml:"transactionType,omitempty"`
	Fields          map[domain.Field][]domain.ExtractionStrategy `yaml:"fields"`
}

// Rule is the file form of a domain.ReviewRule.
type Rule struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Expression  string `yaml:"expression"`
	Reason      string `yaml:"reason,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty"`
}

// RuleValidator compiles a rule expression.
type RuleValidator interface {
	ValidateRule(rule *domain.ReviewRule) error
}

// Summary reports what an import changed.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rules     int `json:"rules"`
}

// Parse decodes a seed file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: failed to parse seed file: %v", domain.ErrInvalidInput, err)
	}
	return &f, nil
}

// Marshal encodes a seed file.
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}

// ToDomain converts a file template, validating it.
func (t Template) ToDomain() (*domain.BankTemplate, error) {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	active := true
	if t.Active != nil {
		active = *t.Active
	}
	tpl := &domain.BankTemplate{
		ID:                  id,
		BankName:            t.Bank,
		Name:                t.Name,
		Version:             1,
		Active:              active,
		SenderPatterns:      t.Senders,
		SubjectPatterns:     t.Subjects,
		RequiredKeywords:    t.Keywords,
		RequiredFields:      t.RequiredFields,
		TransactionType:     t.TransactionType,
		ConfidenceThreshold: t.Threshold,
		Fields:              t.Fields,
	}
	if tpl.Name == "" {
		tpl.Name = t.Bank
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", id, err)
	}
	for f := range tpl.Fields {
		domain.SortStrategies(tpl.Fields[f])
	}
	return tpl, nil
}

// FromDomain converts a stored template to its file form.
func FromDomain(tpl *domain.BankTemplate) Template {
	active := tpl.Active
	return Template{
		ID:              tpl.ID,
		Bank:            tpl.BankName,
		Name:            tpl.Name,
		Active:          &active,
		Senders:         tpl.SenderPatterns,
		Subjects:        tpl.SubjectPatterns,
		Keywords:        tpl.RequiredKeywords,
		Threshold:       tpl.ConfidenceThreshold,
		RequiredFields:  tpl.RequiredFields,
		TransactionType: tpl.TransactionType,
		Fields:          tpl.Fields,
	}
}

// Import stores every template and rule in f for tenantID. Existing
// templates are updated in place with a version bump when they differ.
// validator may be nil, in which case rules are stored unchecked.
func Import(ctx context.Context, repo domain.Repository, validator RuleValidator, tenantID string, f *File) (*Summary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	// 1. Validate everything before writing anything
	templates := make([]*domain.BankTemplate, 0, len(f.Templates))
	seen := make(map[string]bool)
	for i, t := range f.Templates {
		tpl, err := t.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("templates[%d]: %w", i, err)
		}
		if seen[tpl.ID] {
			return nil, fmt.Errorf("%w: duplicate template id %s", domain.ErrInvalidInput, tpl.ID)
		}
		seen[tpl.ID] = true
		templates = append(templates, tpl)
	}

	rules := make([]*domain.ReviewRule, 0, len(f.Rules))
	for i, r := range f.Rules {
		rule := &domain.ReviewRule{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Expression:  strings.TrimSpace(r.Expression),
			Reason:      r.Reason,
			Enabled:     !r.Disabled,
		}
		if rule.ID == "" || rule.Expression == "" {
			return nil, fmt.Errorf("%w: rules[%d]: id and expression are required", domain.ErrInvalidInput, i)
		}
		if validator != nil {
			if err := validator.ValidateRule(rule); err != nil {
				return nil, fmt.Errorf("rules[%d]: %w", i, err)
			}
		}
		rules = append(rules, rule)
	}

	// 2. Write
	summary := &Summary{}
	for _, tpl := range templates {
		existing, err := repo.GetTemplate(ctx, tenantID, tpl.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := repo.SaveTemplate(ctx, tenantID, tpl); err != nil {
				return summary, fmt.Errorf("failed to save template %s: %w", tpl.ID, err)
			}
			summary.Created++
		case err != nil:
			return summary, fmt.Errorf("failed to load template %s: %w", tpl.ID, err)
		case sameTemplate(existing, tpl):
			summary.Unchanged++
		default:
			next := existing.Clone()
			next.BankName = tpl.BankName
			next.Name = tpl.Name
			next.Active = tpl.Active
			next.SenderPatterns = tpl.SenderPatterns
			next.SubjectPatterns = tpl.SubjectPatterns
			next.RequiredKeywords = tpl.RequiredKeywords
			next.RequiredFields = tpl.RequiredFields
			next.TransactionType = tpl.TransactionType
			next.ConfidenceThreshold = tpl.ConfidenceThreshold
			next.Fields = tpl.Fields
			next.Version = existing.Version + 1
			next.UpdatedAt = time.Now().UTC()
			if err := repo.UpdateTemplate(ctx, tenantID, next, existing.Version); err != nil {
				return summary, fmt.Errorf("failed to update template %s: %w", tpl.ID, err)
			}
			summary.Updated++
		}
	}

	for _, rule := range rules {
		if err := repo.SaveReviewRule(ctx, tenantID, rule); err != nil {
			return summary, fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
		summary.Rules++
	}

	slog.Info("seed imported",
		"tenant_id", tenantID,
		"created", summary.Created,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"rules", summary.Rules,
	)
	return summary, nil
}

// Export reads every template and rule of tenantID into a seed file.
func Export(ctx context.Context, repo domain.Repository, tenantID string) (*File, error) {
	templates, err := repo.ListTemplates(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	rules, err := repo.ListReviewRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	f := &File{Templates: make([]Template, 0, len(templates))}
	for _, tpl := range templates {
		f.Templates = append(f.Templates, FromDomain(tpl))
	}
	sort.Slice(f.Templates, func(i, j int) bool { return f.Templates[i].ID < f.Templates[j].ID })

	for _, r := range rules {
		f.Rules = append(f.Rules, Rule{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Expression:  r.Expression,
			Reason:      r.Reason,
			Disabled:    !r.Enabled,
		})
	}
	return f, nil
}

func sameTemplate(a, b *domain.BankTemplate) bool {
	if a.BankName != b.BankName || a.Name != b.Name || a.Active != b.Active ||
		a.ConfidenceThreshold != b.ConfidenceThreshold || a.TransactionType != b.TransactionType {
		return false
	}
	if !sameStrings(a.SenderPatterns, b.SenderPatterns) ||
		!sameStrings(a.SubjectPatterns, b.SubjectPatterns) ||
		!sameStrings(a.RequiredKeywords, b.RequiredKeywords) {
		return false
	}
	if len(a.RequiredFields) != len(b.RequiredFields) {
		return false
	}
	for i := range a.RequiredFields {
		if a.RequiredFields[i] != b.RequiredFields[i] {
			return false
		}
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for f, sa := range a.Fields {
		sb, ok := b.Fields[f]
		if !ok || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !sa[i].Equal(sb[i]) || sa[i].Weight != sb[i].Weight {
				return false
			}
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
