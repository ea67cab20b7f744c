package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

var (
	errNoDigits = errors.New("no digits in amount")
	errZero     = errors.New("amount is zero")

	amountChars   = regexp.MustCompile(`[^\d.,\-]`)
	thousandsOnly = regexp.MustCompile(`^\d{1,3}([.,])\d{3}(?:[.,]\d{3})*$`)
	spanishMonth  = regexp.MustCompile(`(?i)\b(enero|ene|febrero|feb|marzo|mar|abril|abr|mayo|may|junio|jun|julio|jul|agosto|ago|septiembre|setiembre|sept|set|sep|octubre|oct|noviembre|nov|diciembre|dic)\b\.?`)
	dateNoise     = regexp.MustCompile(`(?i)\s+(de|del|a las|at|hrs?|horas)\s+`)
)

var monthAbbrev = map[string]string{
	"enero": "Jan", "ene": "Jan",
	"febrero": "Feb", "feb": "Feb",
	"marzo": "Mar", "mar": "Mar",
	"abril": "Apr", "abr": "Apr",
	"mayo": "May", "may": "May",
	"junio": "Jun", "jun": "Jun",
	"julio": "Jul", "jul": "Jul",
	"agosto": "Aug", "ago": "Aug",
	"septiembre": "Sep", "setiembre": "Sep", "sept": "Sep", "set": "Sep", "sep": "Sep",
	"octubre": "Oct", "oct": "Oct",
	"noviembre": "Nov", "nov": "Nov",
	"diciembre": "Dec", "dic": "Dec",
}

// ParseAmount parses amounts such as "45.99", "1,234.56", "1.234,56",
// "₡25,000" or "USD 10". Negative signs are dropped: direction comes from the
// transaction type.
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := strings.TrimLeft(amountChars.ReplaceAllString(s, ""), ".,")
	raw = strings.TrimRight(strings.ReplaceAll(raw, "-", ""), ".,")
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", errNoDigits, s)
	}

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// The separator that appears last is the decimal separator.
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case thousandsOnly.MatchString(raw) && (lastComma >= 0 || strings.Count(raw, ".") > 1):
		raw = strings.NewReplacer(",", "", ".", "").Replace(raw)
	case lastComma >= 0:
		if strings.Count(raw, ",") > 1 {
			return decimal.Zero, fmt.Errorf("ambiguous amount %q", s)
		}
		raw = strings.Replace(raw, ",", ".", 1)
	case strings.Count(raw, ".") > 1:
		return decimal.Zero, fmt.Errorf("ambiguous amount %q", s)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %q", errZero, s)
	}
	return d, nil
}

// ParseDate parses day-first dates in Spanish or English notation.
func ParseDate(s string) (time.Time, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	cleaned = spanishMonth.ReplaceAllStringFunc(cleaned, func(m string) string {
		key := strings.ToLower(strings.TrimSuffix(m, "."))
		if abbr, ok := monthAbbrev[key]; ok {
			return abbr
		}
		return m
	})
	cleaned = dateNoise.ReplaceAllString(cleaned, " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	t, err := dateparse.ParseAny(cleaned, dateparse.PreferMonthFirst(false))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
