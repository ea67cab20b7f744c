package extract

import (
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"45.99", "45.99"},
		{"45.99 USD", "45.99"},
		{"1,234.56", "1234.56"},
		{"1.234,56", "1234.56"},
		{"₡25,000", "25000"},
		{"₡25,000.00", "25000"},
		{"1.234.567", "1234567"},
		{"12,5", "12.5"},
		{"$ 10", "10"},
		{"-15.00", "15"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	for _, bad := range []string{"", "pending", "0.00", "1,2,3"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseAmount(bad)
			assert.Error(t, err)
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in    string
		year  int
		month time.Month
		day   int
	}{
		{"15/03/2024", 2024, time.March, 15},
		{"15/03/2024 14:30", 2024, time.March, 15},
		{"2024-03-15", 2024, time.March, 15},
		{"15 de marzo de 2024", 2024, time.March, 15},
		{"5 Dic 2023", 2023, time.December, 5},
		{"March 15, 2024", 2024, time.March, 15},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.year, got.Year())
			assert.Equal(t, tt.month, got.Month())
			assert.Equal(t, tt.day, got.Day())
		})
	}

	_, err := ParseDate("not a date")
	assert.Error(t, err)
}

func TestInferType(t *testing.T) {
	assert.Equal(t, domain.TypeTransfer, InferType("Transferencia SINPE recibida"))
	assert.Equal(t, domain.TypeATM, InferType("Retiro en cajero automático"))
	assert.Equal(t, domain.TypeDeposit, InferType("Depósito a su cuenta"))
	assert.Equal(t, domain.TypePurchase, InferType("Compra aprobada"))

	t.Run("NoKeywordsIsPurchase", func(t *testing.T) {
		assert.Equal(t, domain.TypePurchase, InferType("Hello there"))
	})

	t.Run("TieIsPurchase", func(t *testing.T) {
		assert.Equal(t, domain.TypePurchase, InferType("retiro deposito"))
	})

	t.Run("WordStartOnly", func(t *testing.T) {
		assert.Equal(t, domain.TypePurchase, InferType("treatment"))
	})
}

func TestInferHints(t *testing.T) {
	assert.Equal(t, "USD", InferCurrency("$45.99", ""))
	assert.Equal(t, "CRC", InferCurrency("25,000", "Monto en colones"))
	assert.Equal(t, "EUR", InferCurrency("10", "Total 10 EUR"))
	assert.Equal(t, DefaultCurrency, InferCurrency("10", "Total 10"))

	assert.Equal(t, StatusFailed, InferStatus("Transacción rechazada"))
	assert.Equal(t, StatusCompleted, InferStatus("Compra aprobada"))
	assert.Empty(t, InferStatus("Aviso"))

	assert.Equal(t, "BAC", InferBank("notificacion@baccredomatic.com BAC Credomatic"))
	assert.Empty(t, InferBank("unknown bank"))
}
