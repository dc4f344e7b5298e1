package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
)

// bucketBounds are the histogram upper bounds in microseconds
var bucketBounds = []int64{100, 500, 1_000, 5_000, 10_000, 50_000, 100_000, 500_000, 1_000_000}

// latencyStats accumulates request outcomes for the load test report
type latencyStats struct {
	mu    sync.Mutex
	start time.Time

	total  int64
	ok     int64
	failed int64

	sumNs   int64
	minNs   int64
	maxNs   int64
	queueNs int64

	// buckets[i] counts latencies up to bucketBounds[i]; the extra last
	// bucket holds everything slower
	buckets []int64
	// served counts successful requests per application process
	served map[int]int64
}

func newLatencyStats(start time.Time) *latencyStats {
	return &latencyStats{
		start:   start,
		minNs:   1<<63 - 1,
		buckets: make([]int64, len(bucketBounds)+1),
		served:  make(map[int]int64),
	}
}

func bucketFor(d time.Duration) int {
	us := d.Microseconds()
	for i, bound := range bucketBounds {
		if us <= bound {
			return i
		}
	}
	return len(bucketBounds)
}

func (s *latencyStats) success(latency, queue time.Duration, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.ok++
	ns := latency.Nanoseconds()
	s.sumNs += ns
	s.minNs = min(s.minNs, ns)
	s.maxNs = max(s.maxNs, ns)
	s.queueNs += queue.Nanoseconds()
	s.buckets[bucketFor(latency)]++
	if pid > 0 {
		s.served[pid]++
	}
}

func (s *latencyStats) failure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failed++
}

// percentile returns the bucket bound at or above which p percent of the
// successful requests fall. Requests slower than the last bound report it.
func (s *latencyStats) percentile(p int) time.Duration {
	if s.ok == 0 {
		return 0
	}
	threshold := (s.ok*int64(p) + 99) / 100
	var cumulative int64
	for i, n := range s.buckets {
		cumulative += n
		if cumulative >= threshold {
			if i == len(bucketBounds) {
				i--
			}
			return time.Duration(bucketBounds[i]) * time.Microsecond
		}
	}
	return time.Duration(bucketBounds[len(bucketBounds)-1]) * time.Microsecond
}

func (s *latencyStats) progress(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := now.Sub(s.start)
	return fmt.Sprintf("[%v] requests=%d ok=%d failed=%d rate=%.1f/s processes=%d",
		elapsed.Round(time.Second), s.total, s.ok, s.failed,
		float64(s.total)/max(elapsed.Seconds(), 1e-9), len(s.served))
}

func (s *latencyStats) report(w io.Writer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := now.Sub(s.start)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w, "Load Test Results")
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "Duration:        %v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Total Requests:  %d\n", s.total)
	fmt.Fprintf(w, "Successful:      %d\n", s.ok)
	fmt.Fprintf(w, "Failed:          %d\n", s.failed)
	fmt.Fprintf(w, "Throughput:      %.2f req/sec\n", float64(s.total)/max(elapsed.Seconds(), 1e-9))
	if s.ok > 0 {
		fmt.Fprintln(w, "Latency:")
		fmt.Fprintf(w, "  Min:           %v\n", time.Duration(s.minNs).Round(time.Microsecond))
		fmt.Fprintf(w, "  Max:           %v\n", time.Duration(s.maxNs).Round(time.Microsecond))
		fmt.Fprintf(w, "  Avg:           %v\n", time.Duration(s.sumNs/s.ok).Round(time.Microsecond))
		fmt.Fprintf(w, "  Avg queue:     %v\n", time.Duration(s.queueNs/s.ok).Round(time.Microsecond))
		fmt.Fprintf(w, "  P50:          <=%v\n", s.percentile(50))
		fmt.Fprintf(w, "  P95:          <=%v\n", s.percentile(95))
		fmt.Fprintf(w, "  P99:          <=%v\n", s.percentile(99))
	}
	if len(s.served) > 0 {
		pids := make([]int, 0, len(s.served))
		for pid := range s.served {
			pids = append(pids, pid)
		}
		slices.Sort(pids)
		fmt.Fprintf(w, "Processes:       %d\n", len(pids))
		for _, pid := range pids {
			fmt.Fprintf(w, "  pid %-8d    %d requests\n", pid, s.served[pid])
		}
	}
}
