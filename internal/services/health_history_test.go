package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/deploymenttheory/go-remap/internal/types"
)

func pushScores(h *HealthHistory, scores ...int) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range scores {
		h.Push(s, at)
		at = at.Add(time.Minute)
	}
}

func TestHealthHistoryEvictsOldest(t *testing.T) {
	h := NewHealthHistory(3, 2)
	pushScores(h, 10, 20, 30, 40)

	samples := h.Samples()
	assert.Len(t, samples, 3)
	assert.Equal(t, []int{20, 30, 40}, []int{samples[0].Score, samples[1].Score, samples[2].Score})

	latest, ok := h.Latest()
	assert.True(t, ok)
	assert.Equal(t, 40, latest.Score)
}

func TestHealthHistoryEmpty(t *testing.T) {
	h := NewHealthHistory(8, 4)
	_, ok := h.Latest()
	assert.False(t, ok)
	summary := h.Summary()
	assert.Zero(t, summary.Count)
	assert.Equal(t, types.TrendStable, summary.Trend)
}

func TestHealthHistoryTrend(t *testing.T) {
	tests := []struct {
		name   string
		scores []int
		want   types.HealthTrend
	}{
		{"single sample", []int{50}, types.TrendStable},
		{"flat", []int{80, 80, 80, 80}, types.TrendStable},
		{"small noise", []int{80, 81, 80, 81}, types.TrendStable},
		{"rising", []int{25, 50, 75, 100}, types.TrendImproving},
		{"falling", []int{100, 75, 50, 25}, types.TrendDegrading},
		// Only the last four samples count
		{"recovered after old drop", []int{100, 0, 0, 50, 50, 50, 50}, types.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHistory(16, 4)
			pushScores(h, tt.scores...)
			assert.Equal(t, tt.want, h.Trend())
		})
	}
}

func TestHealthHistorySummary(t *testing.T) {
	h := NewHealthHistory(8, 4)
	pushScores(h, 100, 50, 75)

	summary := h.Summary()
	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, 50, summary.Min)
	assert.Equal(t, 100, summary.Max)
	assert.InDelta(t, 75.0, summary.Average, 0.001)
	assert.InDelta(t, -12.5, summary.Slope, 0.001)
	assert.Equal(t, types.TrendDegrading, summary.Trend)
}
