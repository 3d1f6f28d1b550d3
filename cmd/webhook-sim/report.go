package main

import (
	"math"
	"sort"
	"sync"
	"time"
)

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// report — итог прогона: коды HTTP и исходы сверки из ответов сервиса.
type report struct {
	StartedAt       time.Time        `json:"started_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Events          int              `json:"events"`
	Deliveries      int64            `json:"deliveries"`
	Failed          int64            `json:"failed"`
	StatusCodes     map[int]int64    `json:"status_codes"`
	Outcomes        map[string]int64 `json:"outcomes"`
	LatencyMs       latencySummary   `json:"latency_ms"`
}

// Applied — сколько доставок сервис применил. Для каждого события ожидается ровно одна.
func (r report) Applied() int64 {
	return r.Outcomes["applied"]
}

type collector struct {
	mu        sync.Mutex
	statuses  map[int]int64
	outcomes  map[string]int64
	failed    int64
	latencies []float64
}

func newCollector() *collector {
	return &collector{
		statuses: make(map[int]int64),
		outcomes: make(map[string]int64),
	}
}

// record сохраняет одну доставку. status == 0 означает транспортную ошибку.
func (c *collector) record(status int, outcome string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status == 0 || status >= 300 {
		c.failed++
	}
	c.statuses[status]++
	if outcome != "" {
		c.outcomes[outcome]++
	}
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration, events int) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make(map[int]int64, len(c.statuses))
	var deliveries int64
	for code, n := range c.statuses {
		statuses[code] = n
		deliveries += n
	}
	outcomes := make(map[string]int64, len(c.outcomes))
	for outcome, n := range c.outcomes {
		outcomes[outcome] = n
	}
	return report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Events:          events,
		Deliveries:      deliveries,
		Failed:          c.failed,
		StatusCodes:     statuses,
		Outcomes:        outcomes,
		LatencyMs:       buildLatencySummary(c.latencies),
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
