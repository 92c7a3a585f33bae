package gps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionHistoryEvictsOldest(t *testing.T) {
	h := NewPositionHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(PositionFix{Accuracy: float64(i)})
	}

	got := h.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{got[0].Accuracy, got[1].Accuracy, got[2].Accuracy})

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.Accuracy)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 3, h.Capacity())

	h.Clear()
	assert.Zero(t, h.Len())
	_, ok = h.Latest()
	assert.False(t, ok)
}

func TestPositionHistoryMinimumCapacity(t *testing.T) {
	h := NewPositionHistory(0)
	h.Add(PositionFix{Accuracy: 1})
	h.Add(PositionFix{Accuracy: 2})
	assert.Equal(t, 1, h.Capacity())
	latest, _ := h.Latest()
	assert.Equal(t, 2.0, latest.Accuracy)
}

func TestAccuracyTrackerBestSurvivesHistoryClear(t *testing.T) {
	tr := NewAccuracyTracker(10)
	_, ok := tr.BestAccuracy()
	assert.False(t, ok)

	tr.Record(PositionFix{Accuracy: 12})
	tr.Record(PositionFix{Accuracy: 4})
	tr.Record(PositionFix{Accuracy: 0})
	tr.Record(PositionFix{Accuracy: 9})

	best, ok := tr.BestAccuracy()
	require.True(t, ok)
	assert.Equal(t, 4.0, best)

	tr.ClearHistory()
	assert.Empty(t, tr.History())
	best, _ = tr.BestAccuracy()
	assert.Equal(t, 4.0, best)

	tr.Reset()
	_, ok = tr.BestAccuracy()
	assert.False(t, ok)
}

func TestAccuracyTrend(t *testing.T) {
	tr := NewAccuracyTracker(10)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tr.Record(PositionFix{Accuracy: 40, Timestamp: start})
	tr.Record(PositionFix{Accuracy: 30, Timestamp: start.Add(time.Second)})
	_, ok := tr.Trend()
	assert.False(t, ok, "two points are not a trend")

	tr.Record(PositionFix{Accuracy: 20, Timestamp: start.Add(2 * time.Second)})
	tr.Record(PositionFix{Accuracy: 10, Timestamp: start.Add(3 * time.Second)})

	slope, ok := tr.Trend()
	require.True(t, ok)
	assert.InDelta(t, -10, slope, 1e-6)
}

func TestAccuracyTrendNeedsTimeSpan(t *testing.T) {
	tr := NewAccuracyTracker(10)
	at := time.Now()
	for i := 0; i < 4; i++ {
		tr.Record(PositionFix{Accuracy: float64(10 + i), Timestamp: at})
	}
	_, ok := tr.Trend()
	assert.False(t, ok)
}
