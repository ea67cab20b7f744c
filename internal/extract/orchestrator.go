// Package extract runs template strategies over normalized email content and
// assembles candidate transactions with confidence scores.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/normalize"
	"github.com/lggm33/AFP-Project/internal/strategy"
)

// Suggester proposes strategies for emails that match no template. It is an
// unreliable external collaborator: errors mean "no suggestion available".
type Suggester interface {
	SuggestStrategies(ctx context.Context, content string, hint string) (map[domain.Field][]domain.ExtractionStrategy, error)
}

// Options tunes the orchestrator.
type Options struct {
	// SuggestTimeout bounds a single suggestion call.
	SuggestTimeout time.Duration

	// MaxWorkers bounds concurrent field extraction for one email.
	MaxWorkers int
}

// ErrNoTemplate marks candidates produced without a matching template.
var ErrNoTemplate = errors.New("no template matched")

// Orchestrator turns (email, template) pairs into candidates.
type Orchestrator struct {
	executor  *strategy.Executor
	suggester Suggester
	opts      Options
}

// NewOrchestrator creates an orchestrator. suggester may be nil.
func NewOrchestrator(executor *strategy.Executor, suggester Suggester, opts Options) *Orchestrator {
	if executor == nil {
		executor = strategy.NewExecutor(nil)
	}
	if opts.SuggestTimeout <= 0 {
		opts.SuggestTimeout = 20 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 5
	}
	return &Orchestrator{
		executor:  executor,
		suggester: suggester,
		opts:      opts,
	}
}

// Extract runs every configured strategy of tpl against c. The result is a
// pure function of (email, content, template).
func (o *Orchestrator) Extract(ctx context.Context, email *domain.Email, c *normalize.Content, tpl *domain.BankTemplate) (*domain.Candidate, error) {
	if email == nil || c == nil || tpl == nil {
		return nil, fmt.Errorf("%w: email, content and template are required", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cand := o.assemble(email, c, fieldPlan{
		strategies:   tpl.Fields,
		required:     tpl.Required(),
		order:        tpl.ExtractFields(),
		threshold:    tpl.Threshold(),
		pinnedType:   tpl.TransactionType,
		reportConfig: true,
	})
	cand.TemplateID = tpl.ID
	cand.TemplateVersion = tpl.Version

	if cand.Error != "" {
		slog.Error("template misconfigured",
			"template_id", tpl.ID,
			"email_id", email.ID,
			"error", cand.Error,
		)
	}
	return cand, nil
}

// ExtractUnmatched asks the suggester for ad-hoc strategies and executes them
// once. The candidate is always marked unmatched so it goes to review.
func (o *Orchestrator) ExtractUnmatched(ctx context.Context, email *domain.Email, c *normalize.Content) (*domain.Candidate, error) {
	if email == nil || c == nil {
		return nil, fmt.Errorf("%w: email and content are required", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := fieldPlan{
		required:  domain.AlwaysRequired,
		order:     []domain.Field{domain.FieldAmount, domain.FieldDate, domain.FieldMerchant, domain.FieldReference},
		threshold: domain.DefaultConfidenceThreshold,
	}

	var note string
	if o.suggester == nil {
		note = ErrNoTemplate.Error()
	} else {
		suggestions, err := o.suggest(ctx, email, c)
		if err != nil {
			slog.Warn("strategy suggestion unavailable",
				"email_id", email.ID,
				"error", err,
			)
			note = fmt.Sprintf("%v: strategy suggestion unavailable: %v", ErrNoTemplate, err)
		} else {
			plan.strategies = suggestions
			note = ErrNoTemplate.Error()
		}
	}

	cand := o.assemble(email, c, plan)
	cand.Unmatched = true
	cand.Suggested = plan.strategies
	cand.Error = note
	return cand, nil
}

// suggest calls the suggester under the configured timeout. A suggester that
// ignores its context still cannot hold the caller past the deadline.
func (o *Orchestrator) suggest(ctx context.Context, email *domain.Email, c *normalize.Content) (map[domain.Field][]domain.ExtractionStrategy, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.SuggestTimeout)
	defer cancel()

	type reply struct {
		strategies map[domain.Field][]domain.ExtractionStrategy
		err        error
	}
	ch := make(chan reply, 1)

	go func() {
		s, err := o.suggester.SuggestStrategies(ctx, c.Combined(), suggestionHint(email))
		ch <- reply{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.strategies) == 0 {
			return nil, errors.New("empty suggestion")
		}
		return r.strategies, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("suggestion timed out: %w", ctx.Err())
	}
}

func suggestionHint(email *domain.Email) string {
	hint := email.Sender
	if email.Subject != "" {
		hint += " | " + email.Subject
	}
	return hint
}

// ExtractField runs strategies in descending weight and returns the first
// success. A match that cannot be parsed for its field counts as a failure.
func (o *Orchestrator) ExtractField(c *normalize.Content, field domain.Field, strategies []domain.ExtractionStrategy) domain.FieldResult {
	sorted := append([]domain.ExtractionStrategy(nil), strategies...)
	domain.SortStrategies(sorted)

	for _, s := range sorted {
		res := o.executor.Execute(c, s)
		if !res.Succeeded {
			continue
		}
		value, ok := firstValid(field, res.Matches)
		if !ok {
			continue
		}
		chosen := s
		return domain.FieldResult{
			Value:      value,
			Strategy:   &chosen,
			Confidence: clamp(s.Weight),
			Matches:    res.Matches,
		}
	}
	return domain.FieldResult{}
}

type fieldPlan struct {
	strategies   map[domain.Field][]domain.ExtractionStrategy
	required     []domain.Field
	order        []domain.Field
	threshold    float64
	pinnedType   domain.TransactionType
	reportConfig bool
}

func (o *Orchestrator) assemble(email *domain.Email, c *normalize.Content, plan fieldPlan) *domain.Candidate {
	cand := &domain.Candidate{
		EmailID: email.ID,
		Fields:  make(map[domain.Field]domain.FieldResult),
	}

	// 1. Run each field's strategies concurrently
	results := make([]domain.FieldResult, len(plan.order))
	var unconfigured []string
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.opts.MaxWorkers)

	for i, field := range plan.order {
		strategies := plan.strategies[field]
		if len(strategies) == 0 {
			if plan.reportConfig && containsField(plan.required, field) {
				unconfigured = append(unconfigured, string(field))
			}
			continue
		}

		wg.Add(1)
		go func(idx int, f domain.Field, s []domain.ExtractionStrategy) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = o.ExtractField(c, f, s)
		}(i, field, strategies)
	}
	wg.Wait()

	// 2. Collect results and overall confidence
	overall := 1.0
	for i, field := range plan.order {
		res := results[i]
		required := containsField(plan.required, field)

		if !res.Succeeded() {
			cand.Missing = append(cand.Missing, field)
			if required {
				overall = 0
			}
			continue
		}

		cand.Fields[field] = res
		if res.Confidence < plan.threshold {
			cand.LowConfidence = append(cand.LowConfidence, field)
		}
		if required && res.Confidence < overall {
			overall = res.Confidence
		}
	}
	if len(plan.required) == 0 {
		overall = 0
	}
	cand.Confidence = overall

	if len(unconfigured) > 0 {
		cand.Error = fmt.Sprintf("%v: %s", domain.ErrNoStrategies, strings.Join(unconfigured, ", "))
	}

	// 3. Parse values
	amountValue := cand.Fields[domain.FieldAmount].Value
	if amountValue != "" {
		cand.Amount, _ = ParseAmount(amountValue)
	}
	cand.Currency = InferCurrency(amountValue, c.FullText)

	cand.OccurredAt = email.ReceivedAt
	if v := cand.Fields[domain.FieldDate].Value; v != "" {
		if t, err := ParseDate(v); err == nil {
			cand.OccurredAt = t
		}
	}

	cand.Merchant = cand.Fields[domain.FieldMerchant].Value
	cand.Reference = cand.Fields[domain.FieldReference].Value
	cand.Type = resolveType(plan.pinnedType, cand.Fields[domain.FieldType].Value, email.Subject+"\n"+c.FullText)

	cand.Status = InferStatus(c.FullText)
	cand.BankHint = InferBank(email.Sender + "\n" + email.Subject + "\n" + c.FullText)

	return cand
}

func resolveType(pinned domain.TransactionType, extracted, text string) domain.TransactionType {
	if pinned != "" {
		return pinned
	}
	if extracted != "" {
		if t, err := domain.ParseTransactionType(strings.ToLower(strings.TrimSpace(extracted))); err == nil {
			return t
		}
		return InferType(extracted)
	}
	return InferType(text)
}

func firstValid(field domain.Field, matches []string) (string, bool) {
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		switch field {
		case domain.FieldAmount:
			if _, err := ParseAmount(m); err != nil {
				continue
			}
		case domain.FieldDate:
			if _, err := ParseDate(m); err != nil {
				continue
			}
		}
		return m, true
	}
	return "", false
}

func containsField(fields []domain.Field, f domain.Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}

func clamp(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
