package suggest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// Analysis is the model's answer.
type Analysis struct {
	StructureAnalysis   string                          `json:"email_structure_analysis"`
	RecommendedApproach string                          `json:"recommended_approach"`
	FieldStrategies     map[string][]SuggestedStrategy `json:"field_strategies"`
}

// SuggestedStrategy is one strategy in the model's vocabulary.
type SuggestedStrategy struct {
	Strategy    string  `json:"strategy"`
	Confidence  float64 `json:"confidence"`
	Instruction string  `json:"instruction"`
}

var errNoJSON = errors.New("no JSON object in suggestion")

// ExtractJSON returns the JSON document in a model reply: the body of a
// ```json fence, or the span from the first '{' to the last '}'.
func ExtractJSON(reply string) (string, error) {
	if i := strings.Index(reply, "```json"); i >= 0 {
		rest := reply[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest), nil
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return reply[start : end+1], nil
}

// ParseResponse decodes a model reply.
func ParseResponse(reply string) (*Analysis, error) {
	raw, err := ExtractJSON(reply)
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("invalid suggestion JSON: %w", err)
	}
	return &a, nil
}

// Strategies maps the suggestion onto extraction strategies. Unknown fields
// and kinds are dropped; each field's list is sorted by weight.
func (a *Analysis) Strategies() map[domain.Field][]domain.ExtractionStrategy {
	out := make(map[domain.Field][]domain.ExtractionStrategy)
	for name, suggested := range a.FieldStrategies {
		field, ok := mapField(name)
		if !ok {
			continue
		}
		for _, s := range suggested {
			strategy, ok := convert(s)
			if !ok {
				continue
			}
			if !containsStrategy(out[field], strategy) {
				out[field] = append(out[field], strategy)
			}
		}
	}
	for f := range out {
		domain.SortStrategies(out[f])
	}
	return out
}

func mapField(name string) (domain.Field, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "amount", "monto":
		return domain.FieldAmount, true
	case "date", "timestamp", "fecha":
		return domain.FieldDate, true
	case "merchant", "recipient", "merchant_recipient", "comercio", "destinatario":
		return domain.FieldMerchant, true
	case "reference", "reference_id", "referencia":
		return domain.FieldReference, true
	case "type", "transaction_type":
		return domain.FieldType, true
	}
	return "", false
}

func convert(s SuggestedStrategy) (domain.ExtractionStrategy, bool) {
	instruction := strings.TrimSpace(s.Instruction)
	if instruction == "" {
		return domain.ExtractionStrategy{}, false
	}
	weight := s.Confidence
	if weight <= 0 || weight > 1 {
		weight = 0.5
	}

	var kind domain.StrategyKind
	switch strings.ToLower(strings.TrimSpace(s.Strategy)) {
	case "regex", "pattern":
		if _, err := regexp.Compile(instruction); err != nil {
			return domain.ExtractionStrategy{}, false
		}
		kind = domain.KindPattern
	case "css_selector", "css", "selector":
		kind = domain.KindSelector
	case "xpath":
		css, err := XPathToCSS(instruction)
		if err != nil {
			return domain.ExtractionStrategy{}, false
		}
		kind, instruction = domain.KindSelector, css
	case "entity", "ner", "spacy":
		kind = domain.KindEntity
	default:
		return domain.ExtractionStrategy{}, false
	}

	return domain.ExtractionStrategy{Kind: kind, Instruction: instruction, Weight: weight}, true
}

func containsStrategy(list []domain.ExtractionStrategy, s domain.ExtractionStrategy) bool {
	for _, x := range list {
		if x.Equal(s) {
			return true
		}
	}
	return false
}

var (
	xpathStep = regexp.MustCompile(`^([A-Za-z*][\w-]*)((?:\[[^\]]+\])*)$`)
	xpathPred = regexp.MustCompile(`\[([^\]]+)\]`)
	attrEq    = regexp.MustCompile(`^@([\w-]+)\s*=\s*['"]([^'"]*)['"]$`)
	attrHas   = regexp.MustCompile(`^contains\(\s*@([\w-]+)\s*,\s*['"]([^'"]*)['"]\s*\)$`)
)

// XPathToCSS converts simple absolute or descendant XPath expressions to CSS
// selectors. Supported predicates are positions, attribute equality and
// contains() on attributes.
func XPathToCSS(xpath string) (string, error) {
	path := strings.TrimSpace(xpath)
	path = strings.TrimSuffix(path, "/text()")
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("unsupported xpath %q", xpath)
	}

	var parts []string
	for len(path) > 0 {
		combinator := " > "
		if strings.HasPrefix(path, "//") {
			combinator = " "
			path = path[2:]
		} else {
			path = path[1:]
		}

		end := stepEnd(path)
		step := path[:end]
		path = path[end:]

		css, err := convertStep(step)
		if err != nil {
			return "", fmt.Errorf("unsupported xpath %q: %w", xpath, err)
		}
		if len(parts) > 0 {
			parts = append(parts, combinator)
		}
		parts = append(parts, css)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("empty xpath %q", xpath)
	}
	return strings.Join(parts, ""), nil
}

// stepEnd finds the next '/' outside brackets and quotes.
func stepEnd(path string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '[':
			depth++
		case ch == ']':
			depth--
		case ch == '/' && depth == 0:
			return i
		}
	}
	return len(path)
}

func convertStep(step string) (string, error) {
	m := xpathStep.FindStringSubmatch(step)
	if m == nil {
		return "", fmt.Errorf("step %q", step)
	}

	var b strings.Builder
	if m[1] != "*" || m[2] == "" {
		b.WriteString(m[1])
	}
	for _, p := range xpathPred.FindAllStringSubmatch(m[2], -1) {
		pred := strings.TrimSpace(p[1])
		switch {
		case isDigits(pred):
			b.WriteString(":nth-of-type(" + pred + ")")
		case attrEq.MatchString(pred):
			a := attrEq.FindStringSubmatch(pred)
			switch {
			case a[1] == "id" && isIdent(a[2]):
				b.WriteString("#" + a[2])
			case a[1] == "class" && isIdent(a[2]):
				b.WriteString("." + a[2])
			default:
				fmt.Fprintf(&b, "[%s='%s']", a[1], a[2])
			}
		case attrHas.MatchString(pred):
			a := attrHas.FindStringSubmatch(pred)
			fmt.Fprintf(&b, "[%s*='%s']", a[1], a[2])
		default:
			return "", fmt.Errorf("predicate %q", pred)
		}
	}
	return b.String(), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
