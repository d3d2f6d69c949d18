// Command loadtest drives the ingest surface with synthetic bag journeys
// and reports latency percentiles. Each bag walks check_in, sortation,
// load and arrival, so downstream workers see realistic transitions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skytrace/backend/pkg/sdk"
)

type stats struct {
	submitted  uint64
	duplicates uint64
	rateLimit  uint64
	failed     uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "service base URL")
	bags := flag.Int("bags", 500, "number of bag journeys to generate")
	concurrency := flag.Int("concurrency", 20, "concurrent submitters")
	report := flag.Duration("report", 5*time.Second, "progress report interval")
	flag.Parse()

	client := sdk.NewClient(sdk.Config{BaseURL: *baseURL, Timeout: 10 * time.Second})

	if _, err := client.Health(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "service not healthy: %v\n", err)
		os.Exit(1)
	}

	st := &stats{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go progress(ctx, st, *report)

	work := make(chan int, *bags)
	for i := 0; i < *bags; i++ {
		work <- i
	}
	close(work)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range work {
				runJourney(ctx, client, n, st)
			}
		}()
	}
	wg.Wait()
	cancel()

	printResults(st, time.Since(start))
}

var stations = []string{"LHR-T5-CHECKIN", "LHR-T5-SORTATION-2", "LHR-T5-LOAD-STAND-12", "JFK-T4-ARRIVAL"}

func runJourney(ctx context.Context, client *sdk.Client, n int, st *stats) {
	bagTag := fmt.Sprintf("%010d", 125000000+n)
	flight := fmt.Sprintf("BA%03d", 100+n%50)
	base := time.Now().Add(-time.Duration(rand.Intn(60)) * time.Minute)

	steps := []struct {
		eventType string
		location  string
		payload   interface{}
	}{
		{"check_in", stations[0], map[string]interface{}{"flight_number": flight, "pieces": 1, "weight_kg": 18.5}},
		{"sortation", stations[1], nil},
		{"load", stations[2], map[string]interface{}{"flight_number": flight}},
		{"arrival", stations[3], map[string]interface{}{"flight_number": flight}},
	}

	for i, step := range steps {
		var payload json.RawMessage
		if step.payload != nil {
			payload, _ = json.Marshal(step.payload)
		}
		ev := sdk.ScanEvent{
			BagTag:       bagTag,
			Location:     step.location,
			Timestamp:    base.Add(time.Duration(i*10) * time.Minute),
			EventType:    step.eventType,
			Payload:      payload,
			SourceSystem: "loadtest",
		}

		begin := time.Now()
		res, err := client.SubmitScan(ctx, ev)
		st.observe(time.Since(begin))

		var apiErr *sdk.APIError
		switch {
		case err == nil && res.Duplicate():
			atomic.AddUint64(&st.duplicates, 1)
		case err == nil:
			atomic.AddUint64(&st.submitted, 1)
		case errors.As(err, &apiErr) && apiErr.StatusCode == 429:
			atomic.AddUint64(&st.rateLimit, 1)
			wait := apiErr.RetryAfter
			if wait == 0 {
				wait = time.Second
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		default:
			atomic.AddUint64(&st.failed, 1)
		}
	}
}

func progress(ctx context.Context, st *stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Printf("progress: submitted=%d duplicates=%d rate_limited=%d failed=%d\n",
				atomic.LoadUint64(&st.submitted),
				atomic.LoadUint64(&st.duplicates),
				atomic.LoadUint64(&st.rateLimit),
				atomic.LoadUint64(&st.failed))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(st *stats, elapsed time.Duration) {
	st.mu.Lock()
	latencies := st.latencies
	st.mu.Unlock()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := atomic.LoadUint64(&st.submitted) + atomic.LoadUint64(&st.duplicates) +
		atomic.LoadUint64(&st.rateLimit) + atomic.LoadUint64(&st.failed)

	fmt.Println("---")
	fmt.Printf("requests:      %d in %v (%.1f/sec)\n", total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())
	fmt.Printf("submitted:     %d\n", atomic.LoadUint64(&st.submitted))
	fmt.Printf("duplicates:    %d\n", atomic.LoadUint64(&st.duplicates))
	fmt.Printf("rate limited:  %d\n", atomic.LoadUint64(&st.rateLimit))
	fmt.Printf("failed:        %d\n", atomic.LoadUint64(&st.failed))
	if len(latencies) > 0 {
		fmt.Printf("latency p50:   %v\n", percentile(latencies, 50))
		fmt.Printf("latency p95:   %v\n", percentile(latencies, 95))
		fmt.Printf("latency p99:   %v\n", percentile(latencies, 99))
		fmt.Printf("latency max:   %v\n", latencies[len(latencies)-1])
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
