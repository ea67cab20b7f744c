// Package suggest asks an OpenAI-compatible chat model to propose extraction
// strategies for emails no template recognizes.
package suggest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 2000
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultRate        = 50.0 // per minute
	defaultBurst       = 5
	maxContentChars    = 8000
)

// Client implements the strategy suggester over HTTP.
type Client struct {
	model       string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	cache       domain.Cache
	cacheTTL    time.Duration
}

// New creates a suggestion client. cache may be nil.
func New(cfg domain.SuggestConfig, cache domain.Cache) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: suggestion API key required", domain.ErrInvalidInput)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = defaultRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		model:       model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		limiter:     rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		maxRetries:  maxRetries,
		baseBackoff: defaultBaseBackoff,
		cache:       cache,
		cacheTTL:    cfg.CacheTTL,
	}, nil
}

// SuggestStrategies returns per-field strategies for the normalized content.
// Identical content is answered from the cache for the tenant in ctx.
func (c *Client) SuggestStrategies(ctx context.Context, content string, hint string) (map[domain.Field][]domain.ExtractionStrategy, error) {
	tenantID := domain.TenantFromContext(ctx)
	key := cacheKey(content, hint)

	if cached := c.cached(ctx, tenantID, key); cached != nil {
		return cached, nil
	}

	reply, err := c.complete(ctx, buildPrompt(content, hint))
	if err != nil {
		return nil, err
	}

	analysis, err := ParseResponse(reply)
	if err != nil {
		return nil, err
	}
	strategies := analysis.Strategies()
	if len(strategies) == 0 {
		return nil, errors.New("suggestion contained no usable strategies")
	}

	slog.Debug("strategies suggested",
		"tenant_id", tenantID,
		"fields", len(strategies),
		"approach", analysis.RecommendedApproach,
	)

	c.store(ctx, tenantID, key, strategies)
	return strategies, nil
}

func (c *Client) cached(ctx context.Context, tenantID, key string) map[domain.Field][]domain.ExtractionStrategy {
	if c.cache == nil || tenantID == "" || c.cacheTTL <= 0 {
		return nil
	}
	data, err := c.cache.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil
	}
	var out map[domain.Field][]domain.ExtractionStrategy
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func (c *Client) store(ctx context.Context, tenantID, key string, s map[domain.Field][]domain.ExtractionStrategy) {
	if c.cache == nil || tenantID == "" || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, tenantID, key, data, c.cacheTTL); err != nil {
		slog.Warn("failed to cache suggestion", "tenant_id", tenantID, "error", err)
	}
}

func cacheKey(content, hint string) string {
	sum := sha256.Sum256([]byte(hint + "\x00" + content))
	return "suggest:" + hex.EncodeToString(sum[:16])
}

// complete sends one chat completion with rate limiting and retries.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	req := chatRequest{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Temperature: 0.1,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		reply, err := c.doRequest(ctx, req)
		if err == nil {
			return reply, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, req chatRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		var errResp chatError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("empty response from API")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

const systemPrompt = "You are an expert in HTML parsing and data extraction for bank notification emails. Always return valid JSON."

func buildPrompt(content, hint string) string {
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	var b strings.Builder
	b.WriteString("Analyze this bank notification email and suggest the best extraction strategies for its transaction data.\n\n")
	if hint != "" {
		b.WriteString("Sender and subject: " + hint + "\n\n")
	}
	b.WriteString(`Required fields: date, amount.
Optional fields: merchant (merchant or recipient), reference, transaction_type.

For each field suggest up to 3 strategies ranked by confidence:
- "css_selector" when the value sits in structured HTML elements
- "regex" when the value is in running text; put the value in the first capture group
- "xpath" only for simple element paths
- "entity" with one of: money, date, organization, person

Return JSON only:
{
  "email_structure_analysis": "description of the structure",
  "recommended_approach": "primary strategy type",
  "field_strategies": {
    "amount": [{"strategy": "regex", "confidence": 0.9, "instruction": "pattern or selector"}]
  }
}

Email content:
`)
	b.WriteString(content)
	return b.String()
}
