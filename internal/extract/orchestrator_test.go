package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/normalize"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(instr string, w float64) domain.ExtractionStrategy {
	return domain.ExtractionStrategy{Kind: domain.KindPattern, Instruction: instr, Weight: w}
}

func bankXTemplate() *domain.BankTemplate {
	return &domain.BankTemplate{
		ID:             "tpl-bankx",
		TenantID:       "t1",
		BankName:       "BankX",
		Name:           "BankX purchases",
		Version:        1,
		Active:         true,
		SenderPatterns: []string{"@bankx.com"},
		Fields: map[domain.Field][]domain.ExtractionStrategy{
			domain.FieldAmount:   {pattern(`Amount:\s*([\d.]+)`, 0.9)},
			domain.FieldDate:     {pattern(`Date:\s*(\d{2}/\d{2}/\d{4})`, 0.95)},
			domain.FieldMerchant: {pattern(`Merchant:\s*(.+)`, 0.9)},
		},
		ConfidenceThreshold: 0.7,
	}
}

func email(body string) *domain.Email {
	return &domain.Email{
		ID:         "em-1",
		TenantID:   "t1",
		Sender:     "alerts@bankx.com",
		Subject:    "Purchase Notification",
		Body:       body,
		ReceivedAt: time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC),
	}
}

func TestExtractMatchedTemplate(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	em := email("Amount: 45.99 USD\nMerchant: COFFEE SHOP\nDate: 15/03/2024")
	c := normalize.Normalize(em.Body, "text/plain")

	cand, err := o.Extract(context.Background(), em, c, bankXTemplate())
	require.NoError(t, err)

	assert.True(t, cand.Amount.Equal(decimal.RequireFromString("45.99")))
	assert.Equal(t, "USD", cand.Currency)
	assert.Equal(t, "COFFEE SHOP", cand.Merchant)
	assert.Equal(t, domain.TypePurchase, cand.Type)
	assert.InDelta(t, 0.9, cand.Confidence, 1e-9)
	y, m, d := cand.OccurredAt.Date()
	assert.Equal(t, []int{2024, 3, 15}, []int{y, int(m), d})
	assert.Empty(t, cand.Missing)
	assert.Empty(t, cand.LowConfidence)
	assert.Empty(t, cand.Error)
	assert.Equal(t, "tpl-bankx", cand.TemplateID)
	assert.Equal(t, 1, cand.TemplateVersion)
	assert.True(t, cand.Matched())

	require.NotNil(t, cand.Fields[domain.FieldAmount].Strategy)
	assert.Equal(t, `Amount:\s*([\d.]+)`, cand.Fields[domain.FieldAmount].Strategy.Instruction)
}

func TestExtractFailedRequiredField(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	em := email("Monto: 45.99\nMerchant: COFFEE SHOP\nDate: 15/03/2024")
	c := normalize.Normalize(em.Body, "text/plain")

	cand, err := o.Extract(context.Background(), em, c, bankXTemplate())
	require.NoError(t, err)

	assert.Zero(t, cand.Confidence)
	assert.Contains(t, cand.Missing, domain.FieldAmount)
	assert.NotContains(t, cand.Fields, domain.FieldAmount)
	assert.Equal(t, "COFFEE SHOP", cand.Merchant)
}

func TestExtractIdempotent(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{MaxWorkers: 2})
	em := email("Amount: 12.50\nMerchant: BOOKS\nDate: 01/02/2024")
	c := normalize.Normalize(em.Body, "text/plain")
	tpl := bankXTemplate()

	first, err := o.Extract(context.Background(), em, c, tpl)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := o.Extract(context.Background(), em, c, tpl)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestExtractFieldOrder(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	c := normalize.Normalize("Total: 99.00\nAmount: 10.00", "text/plain")

	t.Run("HighestWeightFirst", func(t *testing.T) {
		res := o.ExtractField(c, domain.FieldAmount, []domain.ExtractionStrategy{
			pattern(`Amount:\s*([\d.]+)`, 0.6),
			pattern(`Total:\s*([\d.]+)`, 0.8),
		})
		require.True(t, res.Succeeded())
		assert.Equal(t, "99.00", res.Value)
		assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	})

	t.Run("FallsThroughOnFailure", func(t *testing.T) {
		res := o.ExtractField(c, domain.FieldAmount, []domain.ExtractionStrategy{
			pattern(`Monto:\s*([\d.]+)`, 0.9),
			pattern(`Amount:\s*([\d.]+)`, 0.5),
		})
		require.True(t, res.Succeeded())
		assert.Equal(t, "10.00", res.Value)
		assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	})

	t.Run("UnparsableMatchCountsAsFailure", func(t *testing.T) {
		c := normalize.Normalize("Amount: pending\nTotal: 7.25", "text/plain")
		res := o.ExtractField(c, domain.FieldAmount, []domain.ExtractionStrategy{
			pattern(`Amount:\s*(\S+)`, 0.9),
			pattern(`Total:\s*(\S+)`, 0.4),
		})
		require.True(t, res.Succeeded())
		assert.Equal(t, "7.25", res.Value)
	})

	t.Run("NoStrategySucceeds", func(t *testing.T) {
		res := o.ExtractField(c, domain.FieldAmount, []domain.ExtractionStrategy{pattern(`Monto:\s*([\d.]+)`, 0.9)})
		assert.False(t, res.Succeeded())
		assert.Zero(t, res.Confidence)
	})
}

func TestExtractAddingStrategyNeverLowersConfidence(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	em := email("Amount: 45.99\nMerchant: COFFEE SHOP\nDate: 15/03/2024")
	c := normalize.Normalize(em.Body, "text/plain")

	base := bankXTemplate()
	before, err := o.Extract(context.Background(), em, c, base)
	require.NoError(t, err)

	extended := base.Clone()
	extended.Fields[domain.FieldAmount] = append(extended.Fields[domain.FieldAmount], pattern(`([\d.]+)`, 0.1))
	after, err := o.Extract(context.Background(), em, c, extended)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, after.Fields[domain.FieldAmount].Confidence, before.Fields[domain.FieldAmount].Confidence)
	assert.GreaterOrEqual(t, after.Confidence, before.Confidence)
}

func TestExtractLowConfidenceAndConfigErrors(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	em := email("Amount: 45.99\nMerchant: COFFEE SHOP")
	c := normalize.Normalize(em.Body, "text/plain")

	tpl := bankXTemplate()
	delete(tpl.Fields, domain.FieldDate)
	tpl.Fields[domain.FieldMerchant] = []domain.ExtractionStrategy{pattern(`Merchant:\s*(.+)`, 0.3)}

	cand, err := o.Extract(context.Background(), em, c, tpl)
	require.NoError(t, err)

	assert.Contains(t, cand.Error, domain.ErrNoStrategies.Error())
	assert.Contains(t, cand.Error, "date")
	assert.Contains(t, cand.Missing, domain.FieldDate)
	assert.Equal(t, []domain.Field{domain.FieldMerchant}, cand.LowConfidence)
	assert.Zero(t, cand.Confidence)
	assert.Equal(t, em.ReceivedAt, cand.OccurredAt)
}

func TestExtractPinnedType(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	em := email("Amount: 5.00\nMerchant: ATM CENTRAL retiro\nDate: 15/03/2024")
	c := normalize.Normalize(em.Body, "text/plain")

	tpl := bankXTemplate()
	tpl.TransactionType = domain.TypeTransfer

	cand, err := o.Extract(context.Background(), em, c, tpl)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeTransfer, cand.Type)
}

func TestExtractInvalidInput(t *testing.T) {
	o := NewOrchestrator(nil, nil, Options{})
	_, err := o.Extract(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type fakeSuggester struct {
	strategies map[domain.Field][]domain.ExtractionStrategy
	err        error
	block      bool
	calls      int
}

func (f *fakeSuggester) SuggestStrategies(ctx context.Context, _ string, _ string) (map[domain.Field][]domain.ExtractionStrategy, error) {
	f.calls++
	if f.block {
		time.Sleep(time.Second)
	}
	return f.strategies, f.err
}

func TestExtractUnmatched(t *testing.T) {
	em := email("Monto: 45.99\nComercio: PANADERIA\nFecha: 15/03/2024")
	c := normalize.Normalize(em.Body, "text/plain")

	t.Run("SuggestedStrategiesExecuted", func(t *testing.T) {
		s := &fakeSuggester{strategies: map[domain.Field][]domain.ExtractionStrategy{
			domain.FieldAmount:   {pattern(`Monto:\s*([\d.]+)`, 0.8)},
			domain.FieldDate:     {pattern(`Fecha:\s*(\S+)`, 0.8)},
			domain.FieldMerchant: {pattern(`Comercio:\s*(.+)`, 0.7)},
		}}
		o := NewOrchestrator(nil, s, Options{})

		cand, err := o.ExtractUnmatched(context.Background(), em, c)
		require.NoError(t, err)

		assert.True(t, cand.Unmatched)
		assert.False(t, cand.Matched())
		assert.Equal(t, 1, s.calls)
		assert.Equal(t, "PANADERIA", cand.Merchant)
		assert.True(t, cand.Amount.Equal(decimal.RequireFromString("45.99")))
		assert.InDelta(t, 0.8, cand.Confidence, 1e-9)
		assert.Len(t, cand.Suggested, 3)
	})

	t.Run("SuggesterErrorStillProducesCandidate", func(t *testing.T) {
		o := NewOrchestrator(nil, &fakeSuggester{err: errors.New("boom")}, Options{})

		cand, err := o.ExtractUnmatched(context.Background(), em, c)
		require.NoError(t, err)

		assert.True(t, cand.Unmatched)
		assert.Zero(t, cand.Confidence)
		assert.Contains(t, cand.Error, "boom")
		assert.ElementsMatch(t, []domain.Field{domain.FieldAmount, domain.FieldDate, domain.FieldMerchant, domain.FieldReference}, cand.Missing)
	})

	t.Run("SuggesterTimeout", func(t *testing.T) {
		o := NewOrchestrator(nil, &fakeSuggester{block: true}, Options{SuggestTimeout: 20 * time.Millisecond})

		start := time.Now()
		cand, err := o.ExtractUnmatched(context.Background(), em, c)
		require.NoError(t, err)

		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Contains(t, cand.Error, "timed out")
	})

	t.Run("NoSuggester", func(t *testing.T) {
		o := NewOrchestrator(nil, nil, Options{})

		cand, err := o.ExtractUnmatched(context.Background(), em, c)
		require.NoError(t, err)
		assert.True(t, cand.Unmatched)
		assert.Equal(t, ErrNoTemplate.Error(), cand.Error)
	})
}
