package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type OutcomeCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    []OutcomeCount `json:"outcomes,omitempty"`
}

// stageWindow keeps the most recent maxSamples durations per stage in a
// ring, plus outcome counters since start.
type stageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*ring
	outcomes   map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newStageWindow(maxSamples int) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &stageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*ring),
		outcomes:   make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.stages[stage] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (w *stageWindow) ObserveOutcome(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for name := range w.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make([]StageStats, 0, len(names))
	for _, name := range names {
		r := w.stages[name]
		n := r.next
		if r.filled {
			n = len(r.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, r.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, StageStats{
			Stage:   name,
			Samples: n,
			LastMS:  round2(r.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			MaxMS:   round2(samples[n-1]),
		})
	}

	outcomeNames := make([]string, 0, len(w.outcomes))
	for name := range w.outcomes {
		outcomeNames = append(outcomeNames, name)
	}
	sort.Strings(outcomeNames)
	outcomes := make([]OutcomeCount, 0, len(outcomeNames))
	for _, name := range outcomeNames {
		outcomes = append(outcomes, OutcomeCount{Name: name, Count: w.outcomes[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stats,
		Outcomes:    outcomes,
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
