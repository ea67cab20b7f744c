// Package strategy executes a single extraction strategy against normalized
// email content.
package strategy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/normalize"
)

// Result is the outcome of one strategy execution.
type Result struct {
	Matches   []string `json:"matches,omitempty"`
	Succeeded bool     `json:"succeeded"`
	Err       string   `json:"error,omitempty"`
}

// First returns the first match or "".
func (r Result) First() string {
	if len(r.Matches) == 0 {
		return ""
	}
	return r.Matches[0]
}

// Executor runs strategies. It holds no mutable state and is safe for
// concurrent use.
type Executor struct {
	classifier EntityClassifier
}

// NewExecutor creates an executor. A nil classifier falls back to the
// rule-based classifier.
func NewExecutor(classifier EntityClassifier) *Executor {
	if classifier == nil {
		classifier = NewRuleClassifier()
	}
	return &Executor{classifier: classifier}
}

// Execute runs s against c. Malformed instructions are reported through
// Result.Err and never returned as errors.
func (e *Executor) Execute(c *normalize.Content, s domain.ExtractionStrategy) Result {
	if c == nil {
		return failure("no content")
	}
	if strings.TrimSpace(s.Instruction) == "" {
		return failure("empty instruction")
	}

	switch s.Kind {
	case domain.KindSelector:
		return e.selector(c, s.Instruction)
	case domain.KindPattern:
		return e.pattern(c, s.Instruction)
	case domain.KindEntity:
		return e.entity(c, s.Instruction)
	default:
		return failure(fmt.Sprintf("unknown strategy kind %q", s.Kind))
	}
}

func (e *Executor) selector(c *normalize.Content, instruction string) Result {
	doc := c.Document()
	if doc == nil {
		return failure("content has no html document")
	}

	sel, err := cascadia.Compile(instruction)
	if err != nil {
		return failure(fmt.Sprintf("invalid selector: %v", err))
	}

	var matches []string
	doc.FindMatcher(sel).Each(func(_ int, n *goquery.Selection) {
		text := strings.Join(strings.Fields(n.Text()), " ")
		if text != "" {
			matches = append(matches, text)
		}
	})
	return success(matches)
}

func (e *Executor) pattern(c *normalize.Content, instruction string) Result {
	re, err := regexp.Compile("(?im)" + instruction)
	if err != nil {
		return failure(fmt.Sprintf("invalid pattern: %v", err))
	}

	var matches []string
	for _, m := range re.FindAllStringSubmatch(c.FullText, -1) {
		value := m[0]
		for _, group := range m[1:] {
			if group != "" {
				value = group
				break
			}
		}
		if value = strings.TrimSpace(value); value != "" {
			matches = append(matches, value)
		}
	}
	return success(matches)
}

func (e *Executor) entity(c *normalize.Content, instruction string) Result {
	label := NormalizeLabel(instruction)
	if label == "" {
		return failure(fmt.Sprintf("unknown entity label %q", instruction))
	}

	var matches []string
	for _, ent := range e.classifier.Classify(c.FullText) {
		if ent.Label == label {
			matches = append(matches, ent.Text)
		}
	}
	return success(matches)
}

func success(matches []string) Result {
	return Result{Matches: matches, Succeeded: len(matches) > 0}
}

func failure(msg string) Result {
	return Result{Err: msg}
}
