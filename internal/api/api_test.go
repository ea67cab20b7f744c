package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/cache"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/extract"
	"github.com/lggm33/AFP-Project/internal/feedback"
	"github.com/lggm33/AFP-Project/internal/pipeline"
	"github.com/lggm33/AFP-Project/internal/repository"
	"github.com/lggm33/AFP-Project/internal/review"
	"github.com/lggm33/AFP-Project/internal/rules"
)

const testTenant = "tenant-001"

func testTemplate() *domain.BankTemplate {
	return &domain.BankTemplate{
		ID:             "tpl-bankx",
		BankName:       "BankX",
		Name:           "BankX purchases",
		Version:        1,
		Active:         true,
		SenderPatterns: []string{"@bankx.com"},
		Fields: map[domain.Field][]domain.ExtractionStrategy{
			domain.FieldAmount:   {{Kind: domain.KindPattern, Instruction: `Amount:\s*([\d.]+)`, Weight: 0.9}},
			domain.FieldDate:     {{Kind: domain.KindPattern, Instruction: `Date:\s*(\d{2}/\d{2}/\d{4})`, Weight: 0.95}},
			domain.FieldMerchant: {{Kind: domain.KindPattern, Instruction: `Merchant:\s*(.+)`, Weight: 0.9}},
		},
		ConfidenceThreshold: 0.7,
	}
}

// createTestServer wires a server over a temporary SQLite database.
func createTestServer(t *testing.T, async bool) (*Server, domain.Repository) {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		MaxBodyBytes: 4096,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	if err := repo.SaveTemplate(context.Background(), testTenant, testTemplate()); err != nil {
		t.Fatalf("failed to save template: %v", err)
	}

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	c := cache.NewLRUCache(16)
	orch := extract.NewOrchestrator(nil, nil, extract.Options{})
	p := pipeline.New(repo, c, eventBus, orch, engine, nil, nil, pipeline.Options{})
	fb := feedback.NewService(repo, c, eventBus, orch, nil, feedback.Options{})

	server := NewServer(cfg, Deps{
		Repo:        repo,
		Cache:       c,
		Bus:         eventBus,
		Pipeline:    p,
		Engine:      engine,
		Feedback:    fb,
		Review:      review.NewService(repo, fb, eventBus),
		Async:       async,
		MetricsPath: "/metrics",
	}, "test-v1")
	return server, repo
}

func doRequest(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", testTenant)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestIngestEmailEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("AcceptedInline", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/emails", IngestEmailRequest{
			ExternalID: "ext-1",
			Sender:     "alerts@bankx.com",
			Subject:    "Purchase Notification",
			Body:       "Amount: 45.99 USD\nMerchant: COFFEE SHOP\nDate: 15/03/2024",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp IngestEmailResponse
		decode(t, rr, &resp)
		if resp.Status != string(domain.EmailProcessed) {
			t.Errorf("expected status processed, got %s", resp.Status)
		}
		if resp.Outcome == nil || resp.Outcome.Decision == nil || resp.Outcome.Decision.Accepted == nil {
			t.Fatalf("expected an accepted decision, got %+v", resp.Outcome)
		}
		if resp.Outcome.TemplateID != "tpl-bankx" {
			t.Errorf("expected template tpl-bankx, got %s", resp.Outcome.TemplateID)
		}

		txID := resp.Outcome.Decision.Accepted.ID
		rr = doRequest(t, server, http.MethodGet, "/transactions/"+txID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for transaction, got %d", rr.Code)
		}
		var tx domain.Transaction
		decode(t, rr, &tx)
		if tx.Merchant != "COFFEE SHOP" {
			t.Errorf("expected merchant COFFEE SHOP, got %q", tx.Merchant)
		}

		rr = doRequest(t, server, http.MethodGet, "/emails/"+resp.EmailID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for email, got %d", rr.Code)
		}
		var email domain.Email
		decode(t, rr, &email)
		if email.Status != domain.EmailProcessed {
			t.Errorf("expected stored email processed, got %s", email.Status)
		}
	})

	t.Run("MissingBody", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/emails", IngestEmailRequest{Sender: "alerts@bankx.com"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/emails", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/emails", bytes.NewBufferString(`{}`))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MalformedTenantID", func(t *testing.T) {
		for _, tenant := range []string{"_global", "bank a", strings.Repeat("x", 65)} {
			req := httptest.NewRequest(http.MethodGet, "/templates", nil)
			req.Header.Set("X-Tenant-ID", tenant)
			rr := httptest.NewRecorder()
			server.Router().ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected status 400, got %d", tenant, rr.Code)
			}
		}
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/emails", map[string]string{
			"sender":  "alerts@bankx.com",
			"subject": "Purchase",
			"body":    strings.Repeat("A", 8192),
		})
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UnknownEmail", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/emails/nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/templates", nil)
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestIngestEmailAsync(t *testing.T) {
	server, repo := createTestServer(t, true)

	rr := doRequest(t, server, http.MethodPost, "/emails", IngestEmailRequest{
		Sender:  "alerts@bankx.com",
		Subject: "Purchase Notification",
		Body:    "Amount: 12.00\nDate: 01/02/2024",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp IngestEmailResponse
	decode(t, rr, &resp)
	email, err := repo.GetEmail(context.Background(), testTenant, resp.EmailID)
	if err != nil {
		t.Fatalf("expected stored email: %v", err)
	}
	if email.Status != domain.EmailPending {
		t.Errorf("expected pending email, got %s", email.Status)
	}

	t.Run("SyncOverride", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/emails?sync=true", IngestEmailRequest{
			Sender:  "alerts@bankx.com",
			Subject: "Purchase Notification",
			Body:    "Amount: 12.00\nMerchant: BAKERY\nDate: 01/02/2024",
		})
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestReviewEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	// No amount, so the candidate is queued
	rr := doRequest(t, server, http.MethodPost, "/emails", IngestEmailRequest{
		Sender:  "alerts@bankx.com",
		Subject: "Purchase Notification",
		Body:    "Merchant: BOOK STORE\nDate: 15/03/2024",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var ingest IngestEmailResponse
	decode(t, rr, &ingest)
	if ingest.Status != string(domain.EmailReview) {
		t.Fatalf("expected review status, got %s", ingest.Status)
	}

	rr = doRequest(t, server, http.MethodGet, "/reviews?status=pending", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var list struct {
		Items []*domain.ReviewItem `json:"items"`
		Count int                  `json:"count"`
	}
	decode(t, rr, &list)
	if list.Count != 1 {
		t.Fatalf("expected 1 pending review, got %d", list.Count)
	}
	itemID := list.Items[0].ID

	t.Run("BadLimit", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/reviews?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ApproveIncomplete", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/reviews/"+itemID+"/approve", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Correct", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/reviews/"+itemID+"/correct", CorrectReviewRequest{
			Fixes: []review.FieldFix{{Field: domain.FieldAmount, Value: "30.00"}},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res review.Result
		decode(t, rr, &res)
		if res.Item.Status != domain.ReviewCorrected {
			t.Errorf("expected corrected, got %s", res.Item.Status)
		}
		if res.Transaction == nil {
			t.Error("expected a transaction")
		}
	})

	t.Run("SecondDecisionConflicts", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/reviews/"+itemID+"/reject", RejectReviewRequest{Reason: "dup"})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("UnknownItem", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/reviews/nope/reject", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CorrectionsRecorded", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/templates/tpl-bankx/corrections", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 correction, got %d", resp.Count)
		}
	})
}

func TestTemplateEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	tpl := testTemplate()
	tpl.ID = "tpl-banky"
	tpl.BankName = "BankY"
	tpl.SenderPatterns = []string{"@banky.com"}

	t.Run("Create", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/templates", tpl)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var got domain.BankTemplate
		decode(t, rr, &got)
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/templates", tpl)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		bad := testTemplate()
		bad.ID = "tpl-bad"
		bad.Fields[domain.FieldAmount] = []domain.ExtractionStrategy{{Kind: domain.KindPattern, Instruction: "Amount:(", Weight: 0.5}}
		rr := doRequest(t, server, http.MethodPost, "/templates", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Update", func(t *testing.T) {
		update := testTemplate()
		update.BankName = "BankY"
		update.SenderPatterns = []string{"@banky.com"}
		update.ConfidenceThreshold = 0.85
		update.Version = 1

		rr := doRequest(t, server, http.MethodPut, "/templates/tpl-banky", update)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var got domain.BankTemplate
		decode(t, rr, &got)
		if got.Version != 2 || got.ConfidenceThreshold != 0.85 {
			t.Errorf("expected version 2 with threshold 0.85, got %d / %v", got.Version, got.ConfidenceThreshold)
		}

		// Same stale version again
		rr = doRequest(t, server, http.MethodPut, "/templates/tpl-banky", update)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("UpdateWithoutVersion", func(t *testing.T) {
		update := testTemplate()
		update.Version = 0
		rr := doRequest(t, server, http.MethodPut, "/templates/tpl-banky", update)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodDelete, "/templates/tpl-banky", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doRequest(t, server, http.MethodGet, "/templates?active=true", nil)
		var resp struct {
			Templates []*domain.BankTemplate `json:"templates"`
		}
		decode(t, rr, &resp)
		for _, got := range resp.Templates {
			if got.ID == "tpl-banky" {
				t.Error("deactivated template listed as active")
			}
		}
	})

	t.Run("Improvements", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodGet, "/templates/tpl-bankx/improvements", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("CreateInvalidExpression", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID: "r1", Name: "broken", Expression: "amount >",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateMissingFields", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/rules", CreateRuleRequest{ID: "r1"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := doRequest(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID: "large", Name: "Large amount", Expression: "amount > 10000.0", Reason: "large",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doRequest(t, server, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var reload struct {
			Count int `json:"count"`
		}
		decode(t, rr, &reload)
		if reload.Count != 1 {
			t.Errorf("expected 1 rule loaded, got %d", reload.Count)
		}

		rr = doRequest(t, server, http.MethodGet, "/rules", nil)
		var list struct {
			Count  int                  `json:"count"`
			Loaded []*domain.ReviewRule `json:"loaded"`
		}
		decode(t, rr, &list)
		if list.Count != 1 || len(list.Loaded) != 1 {
			t.Errorf("expected 1 stored and 1 loaded rule, got %d / %d", list.Count, len(list.Loaded))
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyWithoutRepository", func(t *testing.T) {
		bare := NewServer(domain.ServerConfig{}, Deps{}, "test-v1")
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		bare.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"NotFound", domain.ErrNotFound, http.StatusNotFound},
		{"InvalidInput", domain.ErrInvalidInput, http.StatusBadRequest},
		{"VersionConflict", domain.ErrVersionConflict, http.StatusConflict},
		{"InvalidTransition", domain.ErrInvalidTransition, http.StatusConflict},
		{"AlreadyProcessed", pipeline.ErrAlreadyProcessed, http.StatusConflict},
		{"Backpressure", bus.ErrBackpressure, http.StatusServiceUnavailable},
		{"Other", context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)
			if rr.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSEchoesOrigin", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://review.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://review.example.com" {
			t.Errorf("expected origin echoed, got %q", got)
		}
	})

	t.Run("BodyLimitWithoutContentLength", func(t *testing.T) {
		var v map[string]string
		handler := BodyLimitMiddleware(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !decodeJSON(w, r, &v) {
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"body":"`+strings.Repeat("a", 64)+`"}`))
		req.ContentLength = -1
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rr.Code)
		}
	})
}
