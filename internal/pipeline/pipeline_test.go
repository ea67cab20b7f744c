package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/cache"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/repository"
	"github.com/lggm33/AFP-Project/internal/rules"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-1"

func pattern(instr string, w float64) domain.ExtractionStrategy {
	return domain.ExtractionStrategy{Kind: domain.KindPattern, Instruction: instr, Weight: w}
}

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func bankX() *domain.BankTemplate {
	return &domain.BankTemplate{
		ID:             "tpl-bankx",
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

type fixture struct {
	repo domain.Repository
	bus  *bus.ChannelBus
	p    *Pipeline
}

func newFixture(t *testing.T, repo domain.Repository, templates ...*domain.BankTemplate) *fixture {
	t.Helper()
	if repo == nil {
		repo = newRepo(t)
	}
	for _, tpl := range templates {
		require.NoError(t, repo.SaveTemplate(context.Background(), tenant, tpl))
	}

	engine, err := rules.NewEngine(4)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	b := bus.NewChannelBus(16)
	t.Cleanup(func() { b.Close() })

	p := New(repo, cache.NewLRUCache(16), b, nil, engine, nil, nil, Options{})
	return &fixture{repo: repo, bus: b, p: p}
}

func (f *fixture) ingest(t *testing.T, sender, subject, body string) *domain.Email {
	t.Helper()
	em, err := f.p.Ingest(context.Background(), tenant, &domain.Email{
		ExternalID: "ext-" + subject,
		Sender:     sender,
		Subject:    subject,
		Body:       body,
		MIMEType:   "text/plain",
		ReceivedAt: time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return em
}

// collect records every event published on topic.
func (f *fixture) collect(t *testing.T, topic string) func() []*domain.Message {
	t.Helper()
	var mu sync.Mutex
	var got []*domain.Message
	_, err := f.bus.Subscribe(context.Background(), tenant, topic, func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []*domain.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]*domain.Message(nil), got...)
	}
}

func TestProcessAccepted(t *testing.T) {
	f := newFixture(t, nil, bankX())
	ctx := context.Background()
	accepted := f.collect(t, domain.TopicTransactionAccepted)

	em := f.ingest(t, "alerts@bankx.com", "Purchase Notification",
		"Amount: 45.99 USD\nMerchant: COFFEE SHOP\nDate: 15/03/2024")

	out, err := f.p.Process(ctx, tenant, em.ID, "trace-1")
	require.NoError(t, err)

	assert.Equal(t, "sender", out.MatchLevel)
	assert.Equal(t, "tpl-bankx", out.TemplateID)
	require.NotNil(t, out.Decision.Accepted)
	assert.Nil(t, out.Decision.Queued)
	assert.InDelta(t, 0.9, out.Candidate.Confidence, 1e-9)
	assert.Equal(t, domain.TypePurchase, out.Candidate.Type)

	tx, err := f.repo.GetTransactionByEmail(ctx, tenant, em.ID)
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("45.99")))
	assert.Equal(t, "COFFEE SHOP", tx.Merchant)

	stored, err := f.repo.GetEmail(ctx, tenant, em.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailProcessed, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)

	tpl, err := f.repo.GetTemplate(ctx, tenant, "tpl-bankx")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tpl.SuccessCount)

	assert.Eventually(t, func() bool { return len(accepted()) == 1 }, time.Second, 10*time.Millisecond)

	t.Run("SecondRunIsRefused", func(t *testing.T) {
		_, err := f.p.Process(ctx, tenant, em.ID, "trace-2")
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	})
}

func TestProcessQueuedMissingAmount(t *testing.T) {
	f := newFixture(t, nil, bankX())
	ctx := context.Background()
	queued := f.collect(t, domain.TopicReviewQueued)

	em := f.ingest(t, "alerts@bankx.com", "Purchase Notification",
		"Monto: 45.99\nMerchant: COFFEE SHOP\nDate: 15/03/2024")

	out, err := f.p.Process(ctx, tenant, em.ID, "")
	require.NoError(t, err)

	require.NotNil(t, out.Decision.Queued)
	assert.Nil(t, out.Decision.Accepted)
	assert.Zero(t, out.Candidate.Confidence)
	assert.Contains(t, out.Decision.Queued.Snapshot.Missing, domain.FieldAmount)

	items, err := f.repo.ListReviewItems(ctx, tenant, domain.ReviewFilter{Status: domain.ReviewPending})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, em.ID, items[0].EmailID)
	assert.Equal(t, "alerts@bankx.com", items[0].Sender)

	stored, err := f.repo.GetEmail(ctx, tenant, em.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailReview, stored.Status)

	_, err = f.repo.GetTransactionByEmail(ctx, tenant, em.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Eventually(t, func() bool { return len(queued()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessKeywordTiebreak(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	weak := bankX()
	weak.ID = "tpl-weak"
	weak.SenderPatterns = []string{"@weak.example"}
	weak.RequiredKeywords = []string{"purchase"}
	strong := bankX()
	strong.ID = "tpl-strong"
	strong.SenderPatterns = []string{"@strong.example"}
	strong.RequiredKeywords = []string{"purchase"}

	f := newFixture(t, repo, weak, strong)
	require.NoError(t, repo.IncrementTemplateCounter(ctx, tenant, "tpl-weak", false))
	require.NoError(t, repo.IncrementTemplateCounter(ctx, tenant, "tpl-strong", true))

	em := f.ingest(t, "noreply@unknown.example", "Alert",
		"Your purchase\nAmount: 12.00\nMerchant: BAKERY\nDate: 16/03/2024")

	out, err := f.p.Process(ctx, tenant, em.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "keyword", out.MatchLevel)
	assert.Equal(t, "tpl-strong", out.TemplateID)
}

func TestProcessUnmatched(t *testing.T) {
	f := newFixture(t, nil, bankX())

	em := f.ingest(t, "news@shop.example", "Weekly deals", "Nothing to see here")
	out, err := f.p.Process(context.Background(), tenant, em.ID, "")
	require.NoError(t, err)

	assert.Equal(t, "none", out.MatchLevel)
	assert.True(t, out.Candidate.Unmatched)
	require.NotNil(t, out.Decision.Queued)
	assert.Empty(t, out.Decision.Queued.TemplateID)
}

func TestProcessReviewRule(t *testing.T) {
	f := newFixture(t, nil, bankX())
	ctx := context.Background()

	require.NoError(t, f.repo.SaveReviewRule(ctx, tenant, &domain.ReviewRule{
		ID:         "large-amount",
		Name:       "Large amount",
		Expression: "amount > 1000.0",
		Reason:     "amount above 1000",
		Enabled:    true,
	}))

	em := f.ingest(t, "alerts@bankx.com", "Purchase Notification",
		"Amount: 5000.00\nMerchant: CAR DEALER\nDate: 15/03/2024")
	out, err := f.p.Process(ctx, tenant, em.ID, "")
	require.NoError(t, err)

	require.NotNil(t, out.Decision.Queued)
	assert.Contains(t, out.Decision.Queued.Notes, "amount above 1000")

	n, err := f.p.ReloadRules(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant string
		email  *domain.Email
	}{
		{"MissingTenant", "", &domain.Email{Sender: "a@b.c", Body: "x"}},
		{"NilEmail", tenant, nil},
		{"EmptyBody", tenant, &domain.Email{Sender: "a@b.c", Body: "  "}},
		{"MissingSender", tenant, &domain.Email{Body: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.p.Ingest(ctx, tt.tenant, tt.email)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

// flakyRepo fails template listing a fixed number of times.
type flakyRepo struct {
	domain.Repository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) ListTemplates(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.BankTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("database is locked")
	}
	return r.Repository.ListTemplates(ctx, tenantID, activeOnly)
}

func TestProcessRetryThenForceQueue(t *testing.T) {
	repo := &flakyRepo{Repository: newRepo(t), failures: domain.MaxAttempts}
	f := newFixture(t, repo, bankX())
	f.p.cache = nil
	ctx := context.Background()
	failed := f.collect(t, domain.TopicEmailFailed)

	em := f.ingest(t, "alerts@bankx.com", "Purchase Notification",
		"Amount: 45.99 USD\nMerchant: COFFEE SHOP\nDate: 15/03/2024")

	for i := 1; i < domain.MaxAttempts; i++ {
		_, err := f.p.Process(ctx, tenant, em.ID, "")
		require.Error(t, err)

		stored, err := repo.GetEmail(ctx, tenant, em.ID)
		require.NoError(t, err)
		assert.Equal(t, i, stored.Attempts)
		assert.Equal(t, domain.EmailPending, stored.Status)
	}

	out, err := f.p.Process(ctx, tenant, em.ID, "")
	require.NoError(t, err)
	require.NotNil(t, out.Decision.Queued)
	assert.Equal(t, domain.PriorityUrgent, out.Decision.Queued.Priority)
	assert.Contains(t, out.Decision.Queued.Error, domain.ErrMaxAttempts.Error())

	stored, err := repo.GetEmail(ctx, tenant, em.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailReview, stored.Status)

	assert.Eventually(t, func() bool { return len(failed()) == domain.MaxAttempts-1 }, time.Second, 10*time.Millisecond)
}

func TestProcessConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, nil, bankX())
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		em := f.ingest(t, "alerts@bankx.com", fmt.Sprintf("Purchase Notification %d", round),
			"Monto: 45.99\nMerchant: COFFEE SHOP\nDate: 15/03/2024")

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.p.Process(ctx, tenant, em.ID, "")
			}(i)
		}
		close(start)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyProcessed)
		}
		assert.Equal(t, 1, succeeded, "round %d", round)

		items, err := f.repo.ListReviewItems(ctx, tenant, domain.ReviewFilter{EmailID: em.ID})
		require.NoError(t, err)
		assert.Len(t, items, 1, "round %d", round)
	}
}

// lostUpdateRepo fails the first n email updates that record a review outcome.
type lostUpdateRepo struct {
	domain.Repository
	mu       sync.Mutex
	failures int
}

func (r *lostUpdateRepo) UpdateEmail(ctx context.Context, tenantID string, email *domain.Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email.Status == domain.EmailReview && r.failures > 0 {
		r.failures--
		return errors.New("connection reset by peer")
	}
	return r.Repository.UpdateEmail(ctx, tenantID, email)
}

func TestProcessRetryReusesQueuedItem(t *testing.T) {
	repo := &lostUpdateRepo{Repository: newRepo(t), failures: 1}
	f := newFixture(t, repo, bankX())
	ctx := context.Background()

	em := f.ingest(t, "alerts@bankx.com", "Purchase Notification",
		"Monto: 45.99\nMerchant: COFFEE SHOP\nDate: 15/03/2024")

	_, err := f.p.Process(ctx, tenant, em.ID, "")
	require.Error(t, err)

	first, err := repo.ListReviewItems(ctx, tenant, domain.ReviewFilter{EmailID: em.ID})
	require.NoError(t, err)
	require.Len(t, first, 1)

	stored, err := repo.GetEmail(ctx, tenant, em.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	out, err := f.p.Process(ctx, tenant, em.ID, "")
	require.NoError(t, err)
	require.NotNil(t, out.Decision.Queued)
	assert.Equal(t, first[0].ID, out.Decision.Queued.ID)

	items, err := repo.ListReviewItems(ctx, tenant, domain.ReviewFilter{EmailID: em.ID})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	stored, err = repo.GetEmail(ctx, tenant, em.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailReview, stored.Status)
}
