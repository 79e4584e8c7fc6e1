// Command loadtest drives concurrent traffic through the credit gateway's
// proxy and reports latency percentiles and outcomes by status code. With a
// known balance and price it shows how many requests were admitted before
// the account ran dry.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	byStatus  map[int]int
	transport int
}

func (s *stats) observe(status int, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	if err != nil {
		s.transport++
		return
	}
	s.byStatus[status]++
}

func main() {
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	concurrency := flag.Int("c", 50, "Concurrent workers")
	requests := flag.Int("n", 0, "Stop after this many requests (0 = run for -duration)")
	rps := flag.Int("rps", 0, "Target requests per second (0 = unlimited)")
	target := flag.String("url", "http://localhost:8080/api/proxy/v1/echo", "Proxy URL")
	apiKey := flag.String("key", os.Getenv("CREDITGW_LOADTEST_KEY"), "Caller API key")
	header := flag.String("header", "X-API-Key", "API key header")
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "an API key is required (-key or CREDITGW_LOADTEST_KEY)")
		os.Exit(2)
	}

	fmt.Printf("load test: url=%s duration=%s concurrency=%d rps=%d max=%d\n\n", *target, *duration, *concurrency, *rps, *requests)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var tick <-chan time.Time
	if *rps > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(*rps))
		defer ticker.Stop()
		tick = ticker.C
	}

	budget := make(chan struct{}, 1)
	if *requests > 0 {
		budget = make(chan struct{}, *requests)
		for i := 0; i < *requests; i++ {
			budget <- struct{}{}
		}
		close(budget)
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	body := []byte(`{"message":"load test"}`)
	st := &stats{byStatus: make(map[int]int)}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for {
				if *requests > 0 {
					if _, ok := <-budget; !ok {
						return nil
					}
				}
				if tick != nil {
					select {
					case <-tick:
					case <-gctx.Done():
						return nil
					}
				}
				if gctx.Err() != nil {
					return nil
				}
				req, err := http.NewRequestWithContext(gctx, http.MethodPost, *target, bytes.NewReader(body))
				if err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set(*header, *apiKey)

				began := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					st.observe(0, time.Since(began), err)
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				st.observe(resp.StatusCode, time.Since(began), nil)
			}
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "load test aborted:", err)
		os.Exit(1)
	}
	report(st, time.Since(start))
}

func report(st *stats, elapsed time.Duration) {
	sort.Slice(st.latencies, func(i, j int) bool { return st.latencies[i] < st.latencies[j] })
	total := len(st.latencies)
	if total == 0 {
		fmt.Println("no requests completed")
		return
	}
	var sum time.Duration
	for _, d := range st.latencies {
		sum += d
	}

	line := strings.Repeat("=", 60)
	fmt.Println(line)
	fmt.Printf("Requests:           %d in %.2fs (%.2f/s)\n", total, elapsed.Seconds(), float64(total)/elapsed.Seconds())
	fmt.Printf("Transport errors:   %d\n", st.transport)
	codes := make([]int, 0, len(st.byStatus))
	for code := range st.byStatus {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("HTTP %d:           %d\n", code, st.byStatus[code])
	}
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Min:                %s\n", st.latencies[0])
	fmt.Printf("P50:                %s\n", percentile(st.latencies, 0.50))
	fmt.Printf("Average:            %s\n", sum/time.Duration(total))
	fmt.Printf("P95:                %s\n", percentile(st.latencies, 0.95))
	fmt.Printf("P99:                %s\n", percentile(st.latencies, 0.99))
	fmt.Printf("Max:                %s\n", st.latencies[total-1])
	fmt.Println(line)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
