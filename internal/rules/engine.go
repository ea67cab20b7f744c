// Package rules provides the CEL-Go based review rule engine. A rule is a
// boolean expression over a candidate; when it evaluates to true the
// candidate is forced into human review regardless of its confidence.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/lggm33/AFP-Project/internal/domain"
)

// Engine is the CEL-based review rule engine. Rules are held per tenant.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]map[string]*CompiledRule // tenant -> rule id -> rule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.ReviewRule
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with candidate variables
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("reference", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("template_id", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("bank", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("missing", cel.ListType(cel.StringType)),
		cel.Variable("unmatched", cel.BoolType),
		cel.Variable("occurred_at", cel.TimestampType),
		cel.Variable("received_at", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]map[string]*CompiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.ReviewRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads one rule for its tenant. Disabled rules are
// removed from the engine.
func (e *Engine) LoadRule(tenantID string, rule *domain.ReviewRule) error {
	if !rule.Enabled {
		e.mu.Lock()
		delete(e.compiled[tenantID], rule.ID)
		e.mu.Unlock()
		return nil
	}

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compiled[tenantID] == nil {
		e.compiled[tenantID] = make(map[string]*CompiledRule)
	}
	e.compiled[tenantID][rule.ID] = compiled
	return nil
}

// ReloadRules replaces a tenant's rules. Nothing changes if any rule fails
// to compile.
func (e *Engine) ReloadRules(tenantID string, rules []*domain.ReviewRule) error {
	next := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiled[tenantID] = next
	e.mu.Unlock()
	return nil
}

// Input is the candidate data exposed to rule expressions.
type Input struct {
	TenantID   string
	Candidate  *domain.Candidate
	Sender     string
	Subject    string
	ReceivedAt time.Time
}

// Evaluate runs every loaded rule of the tenant in parallel. A rule that
// fails to evaluate is reported with Error set and does not trigger.
func (e *Engine) Evaluate(ctx context.Context, in *Input) []domain.RuleResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiled[in.TenantID]))
	for _, r := range e.compiled[in.TenantID] {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.ID < rules[j].Rule.ID })

	activation := Activation(in)

	// Parallel evaluation using worker pool pattern
	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()
	return results
}

// Activation builds the CEL variables for a candidate.
func Activation(in *Input) map[string]any {
	cand := in.Candidate
	amount, _ := cand.Amount.Float64()

	missing := make([]string, len(cand.Missing))
	for i, f := range cand.Missing {
		missing[i] = string(f)
	}

	return map[string]any{
		"amount":      amount,
		"currency":    cand.Currency,
		"tx_type":     string(cand.Type),
		"merchant":    cand.Merchant,
		"reference":   cand.Reference,
		"confidence":  cand.Confidence,
		"template_id": cand.TemplateID,
		"sender":      in.Sender,
		"subject":     in.Subject,
		"bank":        cand.BankHint,
		"status":      cand.Status,
		"missing":     missing,
		"unmatched":   cand.Unmatched,
		"occurred_at": cand.OccurredAt,
		"received_at": in.ReceivedAt,
	}
}

func evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{RuleID: rule.Rule.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	if b, ok := out.(types.Bool); ok && bool(b) {
		result.Triggered = true
		result.Reason = rule.Rule.Reason
		if result.Reason == "" {
			result.Reason = rule.Rule.Name
		}
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// RulesCount returns the number of rules loaded for a tenant.
func (e *Engine) RulesCount(tenantID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled[tenantID])
}

// LoadedRules returns the tenant's loaded rules ordered by ID.
func (e *Engine) LoadedRules(tenantID string) []*domain.ReviewRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ReviewRule, 0, len(e.compiled[tenantID]))
	for _, c := range e.compiled[tenantID] {
		rules = append(rules, c.Rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.ReviewRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s must return bool, got %s", domain.ErrInvalidInput, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}
