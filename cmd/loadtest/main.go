package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/iago/directory-api/internal/enrolment"
	httpserver "github.com/iago/directory-api/internal/http"
	"github.com/iago/directory-api/internal/http/handlers"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/notify"
	"github.com/iago/directory-api/internal/queue"
	"github.com/iago/directory-api/internal/repository"
	"github.com/iago/directory-api/internal/service"
	"github.com/iago/directory-api/internal/signals"
	"github.com/iago/directory-api/internal/worker"
)

type latencySummary struct {
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
}

type scenarioResult struct {
	Name          string         `json:"name"`
	Total         int            `json:"total"`
	Success       int            `json:"success"`
	Errors        int            `json:"errors"`
	Latency       latencySummary `json:"latency"`
	ThroughputRPS float64        `json:"throughput_rps"`
	ErrorSamples  []string       `json:"error_samples,omitempty"`
}

type drainResult struct {
	Persisted     int     `json:"persisted"`
	DeadLettered  int     `json:"dead_lettered"`
	ElapsedMS     float64 `json:"elapsed_ms"`
	ThroughputMPS float64 `json:"throughput_mps"`
	TimedOut      bool    `json:"timed_out"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Drain          drainResult      `json:"drain"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server   *httptest.Server
	store    *repository.MemoryStore
	source   *queue.LocalQueue
	invalid  *queue.LocalQueue
	shutdown *signals.Manual
	done     chan error
	cancel   context.CancelFunc
}

func main() {
	validTotal := flag.Int("valid-total", 400, "total valid enrolment submissions")
	validConcurrency := flag.Int("valid-concurrency", 24, "concurrency for valid submissions")
	malformedTotal := flag.Int("malformed-total", 100, "total malformed submissions")
	malformedConcurrency := flag.Int("malformed-concurrency", 8, "concurrency for malformed submissions")
	statsTotal := flag.Int("stats-total", 100, "total stats requests")
	drainTimeout := flag.Duration("drain-timeout", time.Minute, "how long to wait for the worker to empty the queue")
	bcryptCost := flag.Int("bcrypt-cost", bcrypt.MinCost, "password hashing cost used by the worker")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env := startBenchmarkEnvironment(*bcryptCost)
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	submitURL := env.server.URL + "/v1/enrolments"

	drainStart := time.Now()
	validScenario := runScenario("enrolment_submit", *validTotal, *validConcurrency, func(index int) error {
		return expect(client, http.MethodPost, submitURL, legacyBody(index), http.StatusAccepted)
	})
	malformedScenario := runScenario("enrolment_submit_malformed", *malformedTotal, *malformedConcurrency, func(index int) error {
		return expect(client, http.MethodPost, submitURL, fmt.Sprintf(`{"aims": ["AIM%d"]}`, index), http.StatusBadRequest)
	})
	statsScenario := runScenario("stats", *statsTotal, 4, func(int) error {
		return expect(client, http.MethodGet, env.server.URL+"/v1/stats", "", http.StatusOK)
	})

	drain := waitForDrain(env, validScenario.Success, drainStart, *drainTimeout)
	env.shutdown.Raise(os.Interrupt)
	<-env.done

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        []scenarioResult{validScenario, malformedScenario, statsScenario},
		Drain:          drain,
		SLOEvaluation: map[string]bool{
			"submit_p95_le_250ms":     validScenario.Latency.P95MS <= 250,
			"every_submission_stored": !drain.TimedOut && drain.Persisted == validScenario.Success,
			"no_valid_dead_letters":   drain.DeadLettered == 0,
		},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal benchmark report: %v\n", err)
		os.Exit(1)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output file: %v\n", err)
			os.Exit(1)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(bcryptCost int) *benchmarkEnv {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.NewNoopLogger()

	env := &benchmarkEnv{
		store:    repository.NewMemoryStore(),
		source:   queue.NewLocalQueue(queue.Config{Name: "enrolment", WaitTime: time.Second, MaxMessages: queue.MaxMessagesPerReceive, VisibilityTimeout: time.Minute}),
		invalid:  queue.NewLocalQueue(queue.Config{Name: "invalid_enrolment", MaxMessages: queue.MaxMessagesPerReceive, VisibilityTimeout: time.Minute}),
		shutdown: &signals.Manual{},
		done:     make(chan error, 1),
		cancel:   cancel,
	}

	producer := queue.NewBatchingProducer(ctx, env.source, queue.BatchingConfig{QueueCapacity: 4096})
	persister := enrolment.NewService(env.store, notify.NewLogPublisher(logger), logger, enrolment.WithBcryptCost(bcryptCost))
	w := worker.New(env.source, env.invalid, persister, env.shutdown, logger)

	api := handlers.NewAPI(handlers.Dependencies{
		Intake:      service.NewIntakeService(producer, env.source.Name(), logger),
		Reader:      env.store,
		WorkerState: func() string { return string(w.State()) },
		Logger:      logger,
	})
	env.server = httptest.NewServer(httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	}))

	go func() { env.done <- w.Run(ctx) }()
	return env
}

func legacyBody(index int) string {
	return fmt.Sprintf(
		`{"aims": ["AIM1"], "company_number": "%08d", "company_email": "supplier%d@example.com", "personal_name": "Supplier %d", "referrer": "load", "password": "pw-%d"}`,
		index, index, index, index,
	)
}

func waitForDrain(env *benchmarkEnv, expected int, start time.Time, timeout time.Duration) drainResult {
	deadline := time.Now().Add(timeout)
	result := drainResult{}
	for {
		counts, err := env.store.Counts(context.Background())
		if err == nil {
			result.Persisted = counts.Enrolments
		}
		if result.Persisted >= expected && env.source.Len() == 0 {
			break
		}
		if time.Now().After(deadline) {
			result.TimedOut = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	elapsed := time.Since(start)
	result.DeadLettered = env.invalid.Len()
	result.ElapsedMS = round2(milliseconds(elapsed))
	if elapsed > 0 {
		result.ThroughputMPS = round2(float64(result.Persisted) / elapsed.Seconds())
	}
	return result
}

// runScenario fires total requests with at most concurrency in flight.
func runScenario(name string, total, concurrency int, request func(index int) error) scenarioResult {
	result := scenarioResult{Name: name, Total: total}
	if total <= 0 {
		return result
	}

	var (
		mu      sync.Mutex
		samples = make([]float64, 0, total)
		group   errgroup.Group
	)
	group.SetLimit(max(concurrency, 1))

	startedAt := time.Now()
	for index := range total {
		group.Go(func() error {
			began := time.Now()
			err := request(index)
			took := milliseconds(time.Since(began))

			mu.Lock()
			defer mu.Unlock()
			samples = append(samples, took)
			if err == nil {
				result.Success++
				return nil
			}
			result.Errors++
			if len(result.ErrorSamples) < 5 {
				result.ErrorSamples = append(result.ErrorSamples, err.Error())
			}
			return nil
		})
	}
	_ = group.Wait()

	result.Latency = summarize(samples)
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		result.ThroughputRPS = round2(float64(total) / elapsed)
	}
	return result
}

func expect(client *http.Client, method, url, body string, status int) error {
	var payload io.Reader
	if body != "" {
		payload = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, url, payload)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, url, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == status {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
	return fmt.Errorf("%s %s: got %d, want %d: %s", method, url, response.StatusCode, status, snippet)
}

func summarize(samples []float64) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	slices.Sort(samples)
	at := func(q float64) float64 {
		rank := int(math.Ceil(float64(len(samples))*q)) - 1
		return round2(samples[max(0, min(rank, len(samples)-1))])
	}
	return latencySummary{P50MS: at(0.50), P95MS: at(0.95), P99MS: at(0.99), MaxMS: at(1)}
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
