package suggest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/cache"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelReply = "Here is the analysis:\n```json\n" + `{
  "email_structure_analysis": "table with label and value cells",
  "recommended_approach": "regex",
  "field_strategies": {
    "amount": [
      {"strategy": "regex", "confidence": 0.9, "instruction": "Monto:\\s*([\\d.,]+)"},
      {"strategy": "css_selector", "confidence": 0.7, "instruction": "td.amount"}
    ],
    "timestamp": [
      {"strategy": "xpath", "confidence": 0.8, "instruction": "//table/tr[2]/td[2]"}
    ],
    "merchant_recipient": [
      {"strategy": "ner", "confidence": 0.6, "instruction": "ORG"}
    ],
    "currency": [
      {"strategy": "regex", "confidence": 0.9, "instruction": "(CRC|USD)"}
    ],
    "reference_id": [
      {"strategy": "telepathy", "confidence": 0.9, "instruction": "?"}
    ]
  }
}` + "\n```"

func chatServer(t *testing.T, status []int, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 2)

		if n <= len(status) && status[n-1] != http.StatusOK {
			w.WriteHeader(status[n-1])
			w.Write([]byte(`{"error":{"message":"unavailable"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newClient(t *testing.T, url string, c domain.Cache) *Client {
	t.Helper()
	client, err := New(domain.SuggestConfig{
		BaseURL:       url,
		APIKey:        "test-key",
		RatePerMinute: 6000,
		Burst:         10,
		MaxRetries:    2,
		CacheTTL:      time.Minute,
	}, c)
	require.NoError(t, err)
	client.baseBackoff = time.Millisecond
	return client
}

func TestSuggestStrategies(t *testing.T) {
	srv, calls := chatServer(t, nil, modelReply)
	client := newClient(t, srv.URL, nil)

	got, err := client.SuggestStrategies(context.Background(), "=== table_0 ===\nMonto: 45.99", "alerts@bank.example")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	require.Len(t, got[domain.FieldAmount], 2)
	assert.Equal(t, domain.KindPattern, got[domain.FieldAmount][0].Kind)
	assert.InDelta(t, 0.9, got[domain.FieldAmount][0].Weight, 1e-9)
	assert.Equal(t, domain.KindSelector, got[domain.FieldAmount][1].Kind)

	require.Len(t, got[domain.FieldDate], 1)
	assert.Equal(t, domain.ExtractionStrategy{
		Kind:        domain.KindSelector,
		Instruction: "table > tr:nth-of-type(2) > td:nth-of-type(2)",
		Weight:      0.8,
	}, got[domain.FieldDate][0])

	assert.Equal(t, domain.KindEntity, got[domain.FieldMerchant][0].Kind)
	assert.NotContains(t, got, domain.FieldReference, "unknown kinds are dropped")
	assert.Len(t, got, 3, "unknown fields are dropped")
}

func TestSuggestRetries(t *testing.T) {
	t.Run("TransientThenSuccess", func(t *testing.T) {
		srv, calls := chatServer(t, []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}, modelReply)
		client := newClient(t, srv.URL, nil)

		_, err := client.SuggestStrategies(context.Background(), "content", "")
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("GivesUp", func(t *testing.T) {
		srv, calls := chatServer(t, []int{500, 500, 500, 500}, modelReply)
		client := newClient(t, srv.URL, nil)

		_, err := client.SuggestStrategies(context.Background(), "content", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max retries exceeded")
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("ClientErrorIsNotRetried", func(t *testing.T) {
		srv, calls := chatServer(t, []int{http.StatusUnauthorized}, modelReply)
		client := newClient(t, srv.URL, nil)

		_, err := client.SuggestStrategies(context.Background(), "content", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unavailable")
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestSuggestCache(t *testing.T) {
	srv, calls := chatServer(t, nil, modelReply)
	lru := cache.NewLRUCache(10)
	defer lru.Close()
	client := newClient(t, srv.URL, lru)

	ctx := domain.WithTenant(context.Background(), "tenant-1")
	first, err := client.SuggestStrategies(ctx, "same content", "hint")
	require.NoError(t, err)
	second, err := client.SuggestStrategies(ctx, "same content", "hint")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.SuggestStrategies(domain.WithTenant(context.Background(), "tenant-2"), "same content", "hint")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "cache is per tenant")
}

func TestSuggestEmptyReply(t *testing.T) {
	srv, _ := chatServer(t, nil, `{"field_strategies": {"currency": [{"strategy": "regex", "instruction": "CRC"}]}}`)
	client := newClient(t, srv.URL, nil)

	_, err := client.SuggestStrategies(context.Background(), "content", "")
	assert.Error(t, err)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(domain.SuggestConfig{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"Fenced", "text\n```json\n{\"a\": 1}\n```\nmore", `{"a": 1}`},
		{"Braces", "Sure! {\"a\": {\"b\": 2}} hope it helps", `{"a": {"b": 2}}`},
		{"Bare", `{"a": 1}`, `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExtractJSON("no json here")
	assert.Error(t, err)
}

func TestXPathToCSS(t *testing.T) {
	tests := []struct {
		xpath string
		want  string
	}{
		{"//table/tr[2]/td[3]", "table > tr:nth-of-type(2) > td:nth-of-type(3)"},
		{"//td[@class='amount']", "td.amount"},
		{"//span[@id=\"total\"]/text()", "span#total"},
		{"//div[contains(@class, 'detalle')]//td", "div[class*='detalle'] td"},
		{"/html/body/p", "html > body > p"},
		{"//*[@data-field='monto']", "[data-field='monto']"},
		{"//td[@class='a b']", "td[class='a b']"},
	}
	for _, tt := range tests {
		t.Run(tt.xpath, func(t *testing.T) {
			got, err := XPathToCSS(tt.xpath)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"td", "//td[text()='x']", "//td[last()]", "//a/following-sibling::b"} {
		_, err := XPathToCSS(bad)
		assert.Error(t, err, bad)
	}
}
