package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/shopspring/decimal"
)

func matchedCandidate(conf float64) *domain.Candidate {
	return &domain.Candidate{
		EmailID:         "em-1",
		TemplateID:      "tpl-1",
		TemplateVersion: 2,
		Fields:          map[domain.Field]domain.FieldResult{},
		Confidence:      conf,
		Amount:          decimal.RequireFromString("45.99"),
		Currency:        "USD",
		Type:            domain.TypePurchase,
		Merchant:        "COFFEE SHOP",
	}
}

func testTemplate() *domain.BankTemplate {
	return &domain.BankTemplate{ID: "tpl-1", Version: 2, Active: true, ConfidenceThreshold: 0.7}
}

func testEmail() *domain.Email {
	return &domain.Email{ID: "em-1", Sender: "alerts@bankx.com", ReceivedAt: time.Now()}
}

func TestRoute(t *testing.T) {
	r := NewRouter()
	ctx := context.Background()

	t.Run("AcceptAboveThreshold", func(t *testing.T) {
		d := r.Route(ctx, &Input{
			TenantID:  "tenant-001",
			Email:     testEmail(),
			Candidate: matchedCandidate(0.9),
			Template:  testTemplate(),
			StartTime: time.Now(),
		})

		if d.Accepted == nil || d.Queued != nil {
			t.Fatalf("expected acceptance, got %+v", d)
		}
		if d.Accepted.TenantID != "tenant-001" {
			t.Errorf("expected tenantID 'tenant-001', got '%s'", d.Accepted.TenantID)
		}
		if d.Accepted.ID == "" {
			t.Error("missing transaction ID")
		}
		if !d.Accepted.Amount.Equal(decimal.RequireFromString("45.99")) {
			t.Errorf("expected amount 45.99, got %s", d.Accepted.Amount)
		}
		if d.Accepted.Confidence != 0.9 {
			t.Errorf("expected confidence 0.9, got %.2f", d.Accepted.Confidence)
		}
	})

	t.Run("AcceptAtThreshold", func(t *testing.T) {
		d := r.Route(ctx, &Input{Candidate: matchedCandidate(0.7), Template: testTemplate(), Email: testEmail()})
		if d.Accepted == nil {
			t.Error("confidence equal to threshold should be accepted")
		}
	})

	t.Run("QueueBelowThreshold", func(t *testing.T) {
		d := r.Route(ctx, &Input{
			TenantID:     "tenant-001",
			Email:        testEmail(),
			Candidate:    matchedCandidate(0.5),
			Template:     testTemplate(),
			SimilarCount: 4,
		})

		if d.Queued == nil || d.Accepted != nil {
			t.Fatalf("expected review item, got %+v", d)
		}
		item := d.Queued
		if item.Status != domain.ReviewPending {
			t.Errorf("expected pending, got %s", item.Status)
		}
		if item.Priority != 5 {
			t.Errorf("expected priority 5, got %d", item.Priority)
		}
		if item.Sender != "alerts@bankx.com" {
			t.Errorf("expected sender on item, got %q", item.Sender)
		}
		if item.SimilarCount != 4 {
			t.Errorf("expected similar count 4, got %d", item.SimilarCount)
		}
		if !strings.Contains(item.Notes, "below threshold") {
			t.Errorf("notes should explain threshold, got %q", item.Notes)
		}
	})

	t.Run("MissingRequiredFieldIsUrgent", func(t *testing.T) {
		cand := matchedCandidate(0)
		cand.Missing = []domain.Field{domain.FieldAmount}

		d := r.Route(ctx, &Input{Candidate: cand, Template: testTemplate(), Email: testEmail()})

		if d.Queued == nil {
			t.Fatal("expected review item")
		}
		if d.Queued.Priority != domain.PriorityUrgent {
			t.Errorf("expected priority 1, got %d", d.Queued.Priority)
		}
		if !strings.Contains(d.Queued.Notes, "missing fields: amount") {
			t.Errorf("notes should list missing amount, got %q", d.Queued.Notes)
		}
		if len(d.Queued.Snapshot.Missing) != 1 {
			t.Error("snapshot should keep missing markers")
		}
	})

	t.Run("UnmatchedAlwaysQueued", func(t *testing.T) {
		cand := matchedCandidate(1.0)
		cand.TemplateID = ""
		cand.Unmatched = true

		d := r.Route(ctx, &Input{Candidate: cand, Email: testEmail()})

		if d.Queued == nil {
			t.Fatal("unmatched candidate must be queued")
		}
		if d.Threshold != domain.DefaultConfidenceThreshold {
			t.Errorf("expected default threshold, got %.2f", d.Threshold)
		}
		if !strings.Contains(d.Queued.Notes, "no matching template") {
			t.Errorf("unexpected notes %q", d.Queued.Notes)
		}
	})

	t.Run("RuleHitForcesReview", func(t *testing.T) {
		d := r.Route(ctx, &Input{
			Candidate: matchedCandidate(0.95),
			Template:  testTemplate(),
			Email:     testEmail(),
			RuleResults: []domain.RuleResult{
				{RuleID: "r-1", Triggered: false, Reason: "ignored"},
				{RuleID: "r-2", Triggered: true, Reason: "amount above review limit"},
			},
		})

		if d.Queued == nil {
			t.Fatal("fired rule must force review")
		}
		if !strings.Contains(d.Queued.Notes, "amount above review limit") {
			t.Errorf("notes should carry rule reason, got %q", d.Queued.Notes)
		}
		if strings.Contains(d.Queued.Notes, "ignored") {
			t.Error("untriggered rule reason leaked into notes")
		}
	})

	t.Run("SnapshotIsCopied", func(t *testing.T) {
		cand := matchedCandidate(0.2)
		d := r.Route(ctx, &Input{Candidate: cand, Template: testTemplate(), Email: testEmail()})

		cand.Merchant = "CHANGED"
		if d.Queued.Snapshot.Merchant != "COFFEE SHOP" {
			t.Error("snapshot should not follow later candidate mutation")
		}
	})
}

func TestPriorityBounds(t *testing.T) {
	cases := map[float64]int{0: 1, 0.05: 1, 0.5: 5, 0.99: 9, 1.0: 10, 1.5: 10, -1: 1}
	for conf, want := range cases {
		if got := domain.PriorityFor(conf); got != want {
			t.Errorf("PriorityFor(%.2f) = %d, want %d", conf, got, want)
		}
	}
}

func TestForceQueue(t *testing.T) {
	r := NewRouter()
	email := testEmail()
	email.Attempts = domain.MaxAttempts

	item := r.ForceQueue(&Input{TenantID: "tenant-001", Email: email}, errors.New("db down"))

	if item.Status != domain.ReviewPending {
		t.Errorf("expected pending, got %s", item.Status)
	}
	if item.Priority != domain.PriorityUrgent {
		t.Errorf("expected urgent priority, got %d", item.Priority)
	}
	if !strings.Contains(item.Error, "db down") {
		t.Errorf("expected cause in error, got %q", item.Error)
	}
	if item.Attempts != domain.MaxAttempts {
		t.Errorf("expected attempts %d, got %d", domain.MaxAttempts, item.Attempts)
	}
	if item.EmailID != email.ID {
		t.Errorf("expected email id %s, got %s", email.ID, item.EmailID)
	}
}

func TestRecordFailure(t *testing.T) {
	email := testEmail()
	email.Status = domain.EmailProcessing

	for i := 1; i < domain.MaxAttempts; i++ {
		if RecordFailure(email, errors.New("transient")) {
			t.Fatalf("attempt %d should not exhaust", i)
		}
		if email.Status != domain.EmailPending {
			t.Errorf("attempt %d: expected the claim released to pending, got %s", i, email.Status)
		}
	}
	if !RecordFailure(email, errors.New("transient")) {
		t.Fatal("expected exhaustion at max attempts")
	}
	if email.Status != domain.EmailFailed {
		t.Errorf("expected failed status, got %s", email.Status)
	}
	if email.LastError != "transient" {
		t.Errorf("expected last error recorded, got %q", email.LastError)
	}
}
