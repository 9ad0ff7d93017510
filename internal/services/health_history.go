package services

import (
	"sync"
	"time"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// Trend thresholds on the regression slope, in score points per sample
const (
	trendImprovingSlope = 0.5
	trendDegradingSlope = -0.5
)

// HealthSample is one aggregate health score observation
type HealthSample struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Score     int       `json:"score" yaml:"score"`
}

// HealthHistorySummary describes the samples held by a HealthHistory
type HealthHistorySummary struct {
	Count   int               `json:"count" yaml:"count"`
	Min     int               `json:"min" yaml:"min"`
	Max     int               `json:"max" yaml:"max"`
	Average float64           `json:"average" yaml:"average"`
	Slope   float64           `json:"slope" yaml:"slope"`
	Trend   types.HealthTrend `json:"-" yaml:"-"`
}

// HealthHistory is a bounded ring of health samples
type HealthHistory struct {
	mu      sync.RWMutex
	samples []HealthSample
	head    int
	count   int
	window  int
}

// NewHealthHistory creates a history holding size samples whose trend is
// computed over the most recent window samples
func NewHealthHistory(size, window int) *HealthHistory {
	if size < 1 {
		size = 1
	}
	if window < 2 {
		window = 2
	}
	if window > size {
		window = size
	}
	return &HealthHistory{samples: make([]HealthSample, size), window: window}
}

// Push records a sample, evicting the oldest when full
func (h *HealthHistory) Push(score int, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.head] = HealthSample{Timestamp: at, Score: score}
	h.head = (h.head + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

// Samples returns the held samples, oldest first
func (h *HealthHistory) Samples() []HealthSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.orderedLocked()
}

func (h *HealthHistory) orderedLocked() []HealthSample {
	out := make([]HealthSample, h.count)
	start := (h.head - h.count + len(h.samples)) % len(h.samples)
	for i := 0; i < h.count; i++ {
		out[i] = h.samples[(start+i)%len(h.samples)]
	}
	return out
}

// Latest returns the most recent sample
func (h *HealthHistory) Latest() (HealthSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return HealthSample{}, false
	}
	return h.samples[(h.head-1+len(h.samples))%len(h.samples)], true
}

// Window returns the number of recent samples the trend is computed over
func (h *HealthHistory) Window() int {
	return h.window
}

// Summary returns min, max, average and trend of the held samples
func (h *HealthHistory) Summary() HealthHistorySummary {
	h.mu.RLock()
	samples := h.orderedLocked()
	window := h.window
	h.mu.RUnlock()

	summary := HealthHistorySummary{Count: len(samples), Trend: types.TrendStable}
	if len(samples) == 0 {
		return summary
	}

	summary.Min, summary.Max = samples[0].Score, samples[0].Score
	total := 0
	for _, s := range samples {
		total += s.Score
		if s.Score < summary.Min {
			summary.Min = s.Score
		}
		if s.Score > summary.Max {
			summary.Max = s.Score
		}
	}
	summary.Average = float64(total) / float64(len(samples))

	if len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	summary.Slope = regressionSlope(samples)
	switch {
	case summary.Slope > trendImprovingSlope:
		summary.Trend = types.TrendImproving
	case summary.Slope < trendDegradingSlope:
		summary.Trend = types.TrendDegrading
	}
	return summary
}

// Trend classifies the recent direction of the score
func (h *HealthHistory) Trend() types.HealthTrend {
	return h.Summary().Trend
}

// regressionSlope is the least-squares slope of score over sample index
func regressionSlope(samples []HealthSample) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x, y := float64(i), float64(s.Score)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
