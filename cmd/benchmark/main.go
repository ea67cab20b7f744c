// Benchmark tool for measuring extraction accuracy against a labeled corpus.
//
// Usage:
//
//	go run ./cmd/benchmark --corpus emails.jsonl --url http://localhost:8080
//
// Each corpus line is one email plus the values a human expects:
//
//	{"sender":"alerts@bankx.com","subject":"...","body":"...",
//	 "expected":{"amount":"45.99","currency":"USD","merchant":"COFFEE SHOP"}}
//
// This tool:
//  1. Sends every email to POST /emails?sync=true
//  2. Compares accepted transactions with the expected values
//  3. Reports field accuracy, accept/review rates, wrong accepts, and latency
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// LabeledEmail is one corpus line.
type LabeledEmail struct {
	Sender   string   `json:"sender"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	MIMEType string   `json:"mimeType,omitempty"`
	Expected Expected `json:"expected"`
}

// Expected holds the labeled values. Empty fields are not scored.
type Expected struct {
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
	Merchant string `json:"merchant,omitempty"`
	Date     string `json:"date,omitempty"` // YYYY-MM-DD
	Type     string `json:"type,omitempty"`
}

// IngestResponse is the subset of the POST /emails response the tool reads.
type IngestResponse struct {
	EmailID string `json:"emailId"`
	Status  string `json:"status"`
	Outcome struct {
		TemplateID string `json:"templateId"`
		Candidate  struct {
			Amount     decimal.Decimal `json:"amount"`
			Currency   string          `json:"currency"`
			Merchant   string          `json:"merchant"`
			OccurredAt time.Time       `json:"occurredAt"`
			Type       string          `json:"type"`
			Confidence float64         `json:"confidence"`
			Unmatched  bool            `json:"unmatched"`
		} `json:"candidate"`
	} `json:"outcome"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	Accepted       int64
	Queued         int64
	Unmatched      int64

	// AcceptedWrong counts accepted transactions with a wrong scored field.
	AcceptedWrong int64

	mu      sync.Mutex
	checked map[string]int64
	correct map[string]int64

	ProcessingTimeMs int64
}

func (m *Metrics) score(field string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked[field]++
	if ok {
		m.correct[field]++
	}
}

type benchConfig struct {
	corpus   string
	baseURL  string
	tenantID string
	limit    int
	workers  int
	verbose  bool
}

func main() {
	var bc benchConfig

	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Measure extraction accuracy against a labeled email corpus",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(bc)
		},
	}
	cmd.Flags().StringVar(&bc.corpus, "corpus", "", "path to labeled JSONL corpus")
	cmd.Flags().StringVar(&bc.baseURL, "url", "http://localhost:8080", "afp base URL")
	cmd.Flags().StringVar(&bc.tenantID, "tenant", "benchmark-test", "tenant ID for requests")
	cmd.Flags().IntVar(&bc.limit, "limit", 0, "maximum emails to process (0 = all)")
	cmd.Flags().IntVar(&bc.workers, "workers", 10, "number of concurrent workers")
	cmd.Flags().BoolVar(&bc.verbose, "verbose", false, "print each email result")
	_ = cmd.MarkFlagRequired("corpus")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(bc benchConfig) error {
	fmt.Println("AFP BENCHMARK - extraction accuracy")
	fmt.Printf("\nCorpus:      %s\n", bc.corpus)
	fmt.Printf("AFP URL:     %s\n", bc.baseURL)
	fmt.Printf("Tenant ID:   %s\n", bc.tenantID)
	fmt.Printf("Workers:     %d\n", bc.workers)
	fmt.Println()

	// Check afp is running
	if err := checkHealth(bc.baseURL); err != nil {
		return fmt.Errorf("afp not reachable at %s: %w", bc.baseURL, err)
	}
	fmt.Println("afp is healthy")

	emails, err := readCorpus(bc.corpus, bc.limit)
	if err != nil {
		return fmt.Errorf("failed to read corpus: %w", err)
	}
	fmt.Printf("Loaded %d labeled emails\n", len(emails))

	fmt.Printf("\nRunning benchmark with %d workers...\n", bc.workers)
	startTime := time.Now()
	metrics := runBenchmark(emails, bc)
	duration := time.Since(startTime)

	printResults(metrics, duration)
	return nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCorpus(path string, limit int) ([]LabeledEmail, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var emails []LabeledEmail
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var e LabeledEmail
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		emails = append(emails, e)

		if limit > 0 && len(emails) >= limit {
			break
		}
	}
	return emails, scanner.Err()
}

func runBenchmark(emails []LabeledEmail, bc benchConfig) *Metrics {
	metrics := &Metrics{
		checked: make(map[string]int64),
		correct: make(map[string]int64),
	}

	work := make(chan LabeledEmail, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < bc.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for e := range work {
				start := time.Now()
				result, err := ingest(client, bc.baseURL, bc.tenantID, e)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if bc.verbose {
						fmt.Printf("ERROR: %s -> %v\n", e.Subject, err)
					}
					continue
				}

				accepted := result.Status == "processed"
				if accepted {
					atomic.AddInt64(&metrics.Accepted, 1)
				} else {
					atomic.AddInt64(&metrics.Queued, 1)
				}
				if result.Outcome.Candidate.Unmatched {
					atomic.AddInt64(&metrics.Unmatched, 1)
				}

				wrong := compare(metrics, e.Expected, result)
				if accepted && wrong > 0 {
					atomic.AddInt64(&metrics.AcceptedWrong, 1)
				}

				if bc.verbose {
					mark := "ok"
					if wrong > 0 {
						mark = "WRONG"
					}
					fmt.Printf("%-5s %-40.40s | %-9s | conf %.2f | tpl %s\n",
						mark, e.Subject, result.Status,
						result.Outcome.Candidate.Confidence, result.Outcome.TemplateID)
				}
			}
		}()
	}

	// Send work
	for _, e := range emails {
		work <- e
	}
	close(work)

	wg.Wait()
	return metrics
}

// compare scores every labeled field and returns how many were wrong.
func compare(m *Metrics, exp Expected, res *IngestResponse) int {
	c := res.Outcome.Candidate
	wrong := 0
	check := func(field string, ok bool) {
		m.score(field, ok)
		if !ok {
			wrong++
		}
	}

	if exp.Amount != "" {
		want, err := decimal.NewFromString(exp.Amount)
		check("amount", err == nil && c.Amount.Equal(want))
	}
	if exp.Currency != "" {
		check("currency", strings.EqualFold(c.Currency, exp.Currency))
	}
	if exp.Merchant != "" {
		check("merchant", strings.EqualFold(strings.TrimSpace(c.Merchant), exp.Merchant))
	}
	if exp.Date != "" {
		check("date", !c.OccurredAt.IsZero() && c.OccurredAt.Format("2006-01-02") == exp.Date)
	}
	if exp.Type != "" {
		check("type", c.Type == exp.Type)
	}
	return wrong
}

func ingest(client *http.Client, baseURL, tenantID string, e LabeledEmail) (*IngestResponse, error) {
	body, err := json.Marshal(map[string]string{
		"sender":   e.Sender,
		"subject":  e.Subject,
		"body":     e.Body,
		"mimeType": e.MIMEType,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/emails?sync=true", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	ok := m.Accepted + m.Queued
	fmt.Printf("\nROUTING\n")
	if ok > 0 {
		fmt.Printf("   Accepted:         %d (%.2f%%)\n", m.Accepted, 100*float64(m.Accepted)/float64(ok))
		fmt.Printf("   Queued:           %d (%.2f%%)\n", m.Queued, 100*float64(m.Queued)/float64(ok))
		fmt.Printf("   Unmatched:        %d\n", m.Unmatched)
	}
	if m.Accepted > 0 {
		fmt.Printf("   Wrong accepts:    %d (%.2f%% of accepted)\n",
			m.AcceptedWrong, 100*float64(m.AcceptedWrong)/float64(m.Accepted))
	}

	fmt.Printf("\nFIELD ACCURACY\n")
	for _, field := range []string{"amount", "currency", "merchant", "date", "type"} {
		checked := m.checked[field]
		if checked == 0 {
			continue
		}
		fmt.Printf("   %-9s %6d / %-6d (%.2f%%)\n", field, m.correct[field], checked,
			100*float64(m.correct[field])/float64(checked))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f emails/sec\n", eps)
	}
	fmt.Println()
}
