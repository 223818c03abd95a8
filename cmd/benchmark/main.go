package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/transferops/internal/models"
)

var (
	accountsURL  string
	transfersURL string
	concurrency  int
	duration     time.Duration
	workload     string
	totalAccts   int
	amount       string
	password     string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Duplicate in-flight requests
	fail422       uint64 // Insufficient balance and failed sagas
	fail502       uint64 // Escalated compensations
	failOther     uint64
)

func init() {
	flag.StringVar(&accountsURL, "accounts-url", "http://localhost:8080", "Account service base URL")
	flag.StringVar(&transfersURL, "transfers-url", "http://localhost:8081", "Transfer service base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&totalAccts, "accounts", 1000, "Number of seeded accounts (numbers 1..N)")
	flag.StringVar(&amount, "amount", "1.00", "Amount per transfer")
	flag.StringVar(&password, "password", "bench-pass", "Password of the seeded accounts")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	tokens := &tokenCache{client: &http.Client{Timeout: 5 * time.Second}, tokens: map[int64]string{}}
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// tokenCache logs each origin account in once.
type tokenCache struct {
	client *http.Client
	mu     sync.Mutex
	tokens map[int64]string
}

func (c *tokenCache) get(number int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[number]; ok {
		return tok, nil
	}

	body, _ := json.Marshal(models.LoginRequest{Number: number, Password: password})
	resp, err := c.client.Post(accountsURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login %d: %s", number, resp.Status)
	}
	var out models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	c.tokens[number] = out.Token
	return out.Token, nil
}

func worker(wg *sync.WaitGroup, start time.Time, tokens *tokenCache) {
	defer wg.Done()
	client := &http.Client{Timeout: 30 * time.Second}

	for time.Since(start) < duration {
		from, to := generateAccounts()
		token, err := tokens.get(from)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		body := []byte(fmt.Sprintf(`{"destination_account_number":%d,"amount":%q}`, to, amount))
		req, _ := http.NewRequest("POST", transfersURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", uuid.NewString())

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		case 502:
			atomic.AddUint64(&fail502, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateAccounts() (int64, int64) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves money between accounts 1 and 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	a := rand.Intn(totalAccts) + 1
	b := rand.Intn(totalAccts) + 1
	for a == b {
		b = rand.Intn(totalAccts) + 1
	}
	return int64(a), int64(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	f502 := atomic.LoadUint64(&fail502)
	fErr := atomic.LoadUint64(&failOther)

	var rejectRate float64
	if total > 0 {
		rejectRate = float64(f409+f422) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       float64(total) / d.Seconds(),
		"success_created":      s201,
		"success_replay":       s200,
		"duplicates":           f409,
		"rejected":             f422,
		"compensation_pending": f502,
		"reject_rate_pct":      rejectRate,
		"errors":               fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("unable to save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
