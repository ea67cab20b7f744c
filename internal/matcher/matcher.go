// Package matcher selects the bank template that applies to an email.
package matcher

import (
	"regexp"
	"strings"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// Level is how strongly a template matched. Higher wins.
type Level int

const (
	LevelNone Level = iota
	LevelKeyword
	LevelSubject
	LevelSender
)

func (l Level) String() string {
	switch l {
	case LevelSender:
		return "sender"
	case LevelSubject:
		return "subject"
	case LevelKeyword:
		return "keyword"
	}
	return "none"
}

// Input is the part of an email the matcher looks at. Body should be the
// normalized full text.
type Input struct {
	Sender  string
	Subject string
	Body    string
}

// Match returns the best template for the input and the level it matched at,
// or nil and LevelNone. Inactive templates are ignored. The result does not
// depend on the order of templates.
func Match(in Input, templates []*domain.BankTemplate) (*domain.BankTemplate, Level) {
	var best *domain.BankTemplate
	bestLevel := LevelNone

	for _, tpl := range templates {
		if tpl == nil || !tpl.Active {
			continue
		}
		level := LevelFor(in, tpl)
		if level == LevelNone {
			continue
		}
		if level > bestLevel || (level == bestLevel && preferred(tpl, best)) {
			best, bestLevel = tpl, level
		}
	}
	return best, bestLevel
}

// LevelFor evaluates one template. Sender is authoritative, then subject,
// then required keywords.
func LevelFor(in Input, tpl *domain.BankTemplate) Level {
	if matchSender(in.Sender, tpl.SenderPatterns) {
		return LevelSender
	}
	if matchSubject(in.Subject, tpl.SubjectPatterns) {
		return LevelSubject
	}
	if matchKeywords(in.Body, tpl.RequiredKeywords) {
		return LevelKeyword
	}
	return LevelNone
}

// preferred reports whether a should replace b at the same level: higher
// success rate, then most recently used, then lowest ID.
func preferred(a, b *domain.BankTemplate) bool {
	if b == nil {
		return true
	}
	if ra, rb := a.SuccessRate(), b.SuccessRate(); ra != rb {
		return ra > rb
	}
	switch {
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return true
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return false
	case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.After(*b.LastUsedAt)
	}
	return a.ID < b.ID
}

func matchSender(sender string, patterns []string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(sender, p) {
			return true
		}
	}
	return false
}

func matchSubject(subject string, patterns []string) bool {
	if subject == "" {
		return false
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			if strings.Contains(strings.ToLower(subject), strings.ToLower(p)) {
				return true
			}
			continue
		}
		if re.MatchString(subject) {
			return true
		}
	}
	return false
}

func matchKeywords(body string, keywords []string) bool {
	var required int
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		required++
		if !strings.Contains(lower, kw) {
			return false
		}
	}
	return required > 0
}
