package extract

import (
	"regexp"
	"strings"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// typeKeywords is scanned in this order; ties resolve to purchase.
var typeKeywords = []struct {
	typ      domain.TransactionType
	keywords []string
}{
	{domain.TypeTransfer, []string{"transferencia", "sinpe", "envio", "envío", "transfer"}},
	{domain.TypePurchase, []string{"compra", "pago", "cargo", "purchase"}},
	{domain.TypeATM, []string{"retiro", "atm", "cajero", "withdrawal"}},
	{domain.TypeDeposit, []string{"deposito", "depósito", "ingreso", "deposit"}},
}

// InferType scores each transaction type by keyword occurrences. The highest
// score wins; ties and texts without keywords resolve to purchase.
func InferType(text string) domain.TransactionType {
	lower := strings.ToLower(text)

	best := domain.TypePurchase
	bestScore := 0
	tie := false
	for _, tk := range typeKeywords {
		score := 0
		for _, kw := range tk.keywords {
			score += countWord(lower, kw)
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = tk.typ, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}
	if tie || bestScore == 0 {
		return domain.TypePurchase
	}
	return best
}

// countWord counts occurrences of kw starting at a word boundary, so "atm"
// does not match inside "treatment".
func countWord(lower, kw string) int {
	n := 0
	for i := 0; ; {
		idx := strings.Index(lower[i:], kw)
		if idx < 0 {
			return n
		}
		pos := i + idx
		if pos == 0 || !isLetter(lower[pos-1]) {
			n++
		}
		i = pos + len(kw)
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || b >= 0x80
}

// DefaultCurrency is assumed when no currency marker is found.
const DefaultCurrency = "CRC"

var currencyMarkers = []struct {
	code string
	re   *regexp.Regexp
}{
	{"CRC", regexp.MustCompile(`(?i)₡|\bcrc\b|\bcolones\b`)},
	{"USD", regexp.MustCompile(`(?i)\$|\busd\b|\bd[oó]lares\b|\bdollars?\b`)},
	{"EUR", regexp.MustCompile(`(?i)€|\beur\b|\beuros?\b`)},
}

// InferCurrency looks for a currency marker, first in the amount value and
// then in the wider text.
func InferCurrency(amountValue, text string) string {
	for _, s := range []string{amountValue, text} {
		for _, m := range currencyMarkers {
			if m.re.MatchString(s) {
				return m.code
			}
		}
	}
	return DefaultCurrency
}

// Transaction status hints.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	failedStatus    = regexp.MustCompile(`(?i)\b(rechazad[ao]|fallid[ao]|declined|failed|denegad[ao])\b`)
	completedStatus = regexp.MustCompile(`(?i)\b(exitos[ao]|aprobad[ao]|approved|successful|completad[ao])\b`)
)

// InferStatus returns "failed", "completed" or "".
func InferStatus(text string) string {
	if failedStatus.MatchString(text) {
		return StatusFailed
	}
	if completedStatus.MatchString(text) {
		return StatusCompleted
	}
	return ""
}

var bankPattern = regexp.MustCompile(`\b(BCR|BAC|NACIONAL|POPULAR|SCOTIABANK|DAVIVIENDA|PROMERICA|LAFISE)\b`)

// InferBank returns the first known bank name found in the text.
func InferBank(text string) string {
	return bankPattern.FindString(strings.ToUpper(text))
}
