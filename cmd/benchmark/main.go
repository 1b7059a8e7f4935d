// Benchmark tool for replaying labelled authorizations against Kestrel.
//
// Usage:
//   go run ./cmd/benchmark -csv /path/to/authorizations.csv -url http://localhost:8080
//   go run ./cmd/benchmark -synthetic 5000 -url http://localhost:8080
//
// This tool:
//   1. Reads authorizations with the expected decision (or generates them)
//   2. Sends each one to POST /jit-funding
//   3. Compares Kestrel's decision and decline reason with the expectation
//   4. Reports agreement, a confusion matrix and latency percentiles
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Case is one authorization with its expected outcome. An empty
// ExpectedReason means only the approve/decline outcome is checked.
type Case struct {
	Input            domain.JITFundingInput
	ExpectedApproved bool
	ExpectedReason   string
}

// Results tracks benchmark results
type Results struct {
	ApprovedAsApproved int64
	ApprovedAsDeclined int64
	DeclinedAsApproved int64
	DeclinedAsDeclined int64
	ReasonMismatches   int64

	TotalProcessed int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *Results) observe(d time.Duration) {
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled authorization CSV")
	synthetic := flag.Int("synthetic", 0, "Generate N synthetic authorizations instead of reading a CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum authorizations to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each decision")
	flag.Parse()

	if *csvPath == "" && *synthetic <= 0 {
		fmt.Println("Usage: benchmark -csv /path/to/authorizations.csv | -synthetic N [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|            KESTREL BENCHMARK - JIT funding replay             |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	client := &http.Client{Timeout: 10 * time.Second}

	var cases []Case
	var err error
	if *synthetic > 0 {
		fmt.Printf("\nSeeding snapshots and generating %d authorizations...\n", *synthetic)
		cases, err = syntheticCases(client, *baseURL, *synthetic)
	} else {
		fmt.Printf("\nReading authorizations from %s...\n", *csvPath)
		cases, err = readCSV(*csvPath, *limit)
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d authorizations\n", len(cases))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	results := runBenchmark(client, cases, *baseURL, *workers, *verbose)
	printResults(results, time.Since(startTime))
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

// readCSV reads rows with the columns lease_id, provider_card_id, amount,
// transaction_date (RFC3339), transaction_type, transaction_state,
// expected_approved and, optionally, expected_reason.
func readCSV(path string, limit int) ([]Case, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"lease_id", "provider_card_id", "amount", "transaction_date", "expected_approved"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	get := func(record []string, col string) string {
		if i, ok := colIndex[col]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var cases []Case
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := decimal.NewFromString(get(record, "amount"))
		if err != nil {
			continue
		}
		date, err := time.Parse(time.RFC3339, get(record, "transaction_date"))
		if err != nil {
			continue
		}
		approved, _ := strconv.ParseBool(get(record, "expected_approved"))

		txType := get(record, "transaction_type")
		if txType == "" {
			txType = domain.TransactionTypeAuthorization
		}

		cases = append(cases, Case{
			Input: domain.JITFundingInput{
				LeaseID:           get(record, "lease_id"),
				ProviderCardID:    get(record, "provider_card_id"),
				TransactionAmount: amount,
				TransactionDate:   date,
				TransactionType:   txType,
				TransactionState:  get(record, "transaction_state"),
			},
			ExpectedApproved: approved,
			ExpectedReason:   get(record, "expected_reason"),
		})

		if limit > 0 && len(cases) >= limit {
			break
		}
	}

	return cases, nil
}

// syntheticCases stores one open card with a balance of 500 and generates
// amounts on both sides of it.
func syntheticCases(client *http.Client, baseURL string, n int) ([]Case, error) {
	suffix := strconv.FormatInt(time.Now().UnixNano(), 36)
	leaseID := "bench-lease-" + suffix
	cardID := "bench-card-" + suffix
	balance := decimal.NewFromInt(500)

	seed := []struct {
		path string
		body any
	}{
		{"/leases/" + leaseID, domain.Lease{
			ProviderID: "bench-provider", Status: "Approved",
			StoreAddressState: "UT", UseStateValidation: true,
		}},
		{"/cards/" + cardID, domain.VirtualCard{
			LeaseID: leaseID, ProviderID: "bench-provider", Status: domain.CardStatusOpen,
			AvailableBalance: balance, OriginalCardBaseAmount: balance,
			MaxAmountLess: decimal.NewFromInt(25), MaxAmountGreater: decimal.NewFromInt(25),
			ActiveToDate: time.Now().AddDate(1, 0, 0).UTC(),
		}},
	}
	for _, s := range seed {
		if err := put(client, baseURL+s.path, s.body); err != nil {
			return nil, fmt.Errorf("seed %s: %w", s.path, err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	cases := make([]Case, n)
	for i := range cases {
		amount := decimal.NewFromFloat(1 + rng.Float64()*999).Round(2)
		state := "UT"
		if rng.Intn(10) == 0 {
			state = "CO"
		}

		c := Case{
			Input: domain.JITFundingInput{
				LeaseID:           leaseID,
				ProviderCardID:    cardID,
				TransactionAmount: amount,
				TransactionDate:   time.Now().UTC(),
				TransactionType:   domain.TransactionTypeAuthorization,
				TransactionState:  state,
			},
			ExpectedApproved: true,
		}
		switch {
		case state != "UT":
			c.ExpectedApproved, c.ExpectedReason = false, domain.DeclineStateMismatch.String()
		case amount.GreaterThan(balance):
			c.ExpectedApproved, c.ExpectedReason = false, domain.DeclineAmountTooHigh.String()
		}
		cases[i] = c
	}
	return cases, nil
}

func put(client *http.Client, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(client *http.Client, cases []Case, baseURL string, numWorkers int, verbose bool) *Results {
	results := &Results{}

	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for c := range work {
				start := time.Now()
				resp, err := fund(client, baseURL, c.Input)
				results.observe(time.Since(start))
				atomic.AddInt64(&results.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&results.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.Input.ProviderCardID, err)
					}
					continue
				}

				switch {
				case c.ExpectedApproved && resp.Approved:
					atomic.AddInt64(&results.ApprovedAsApproved, 1)
				case c.ExpectedApproved && !resp.Approved:
					atomic.AddInt64(&results.ApprovedAsDeclined, 1)
				case !c.ExpectedApproved && resp.Approved:
					atomic.AddInt64(&results.DeclinedAsApproved, 1)
				default:
					atomic.AddInt64(&results.DeclinedAsDeclined, 1)
					if c.ExpectedReason != "" && !strings.EqualFold(c.ExpectedReason, resp.DeclineReason.String()) {
						atomic.AddInt64(&results.ReasonMismatches, 1)
					}
				}

				if verbose {
					mark := "ok"
					if c.ExpectedApproved != resp.Approved {
						mark = "XX"
					}
					fmt.Printf("%s %-24s | Amount: %10s | State: %-2s | Expected: %-5v | Kestrel: %-5v %s\n",
						mark,
						c.Input.ProviderCardID,
						c.Input.TransactionAmount.StringFixed(2),
						c.Input.TransactionState,
						c.ExpectedApproved,
						resp.Approved,
						resp.DeclineReason,
					)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)

	wg.Wait()

	return results
}

func fund(client *http.Client, baseURL string, in domain.JITFundingInput) (*domain.JITFundingResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/jit-funding", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.JITFundingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return sorted[i]
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", r.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", r.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                           Kestrel")
	fmt.Println("                     APPROVED    DECLINED")
	fmt.Printf("   Expected APPROVED  %8d    %8d\n", r.ApprovedAsApproved, r.ApprovedAsDeclined)
	fmt.Printf("   Expected DECLINED  %8d    %8d\n", r.DeclinedAsApproved, r.DeclinedAsDeclined)

	agreed := r.ApprovedAsApproved + r.DeclinedAsDeclined
	total := agreed + r.ApprovedAsDeclined + r.DeclinedAsApproved
	if total > 0 {
		fmt.Printf("\nAGREEMENT\n")
		fmt.Printf("   Outcome:          %d / %d (%.2f%%)\n", agreed, total, 100*float64(agreed)/float64(total))
		fmt.Printf("   Reason mismatches: %d\n", r.ReasonMismatches)
	}

	r.mu.Lock()
	lat := append([]time.Duration(nil), r.latencies...)
	r.mu.Unlock()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if r.TotalProcessed > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(lat, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(lat, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(lat, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(r.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
