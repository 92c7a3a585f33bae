package gps

import (
	"math"
	"sync"

	"github.com/sajari/regression"
)

// PositionHistory is a fixed-capacity ring of recent fixes, oldest evicted first
type PositionHistory struct {
	mu       sync.RWMutex
	data     []PositionFix
	capacity int
	head     int
	size     int
}

// NewPositionHistory creates a history holding at most capacity fixes
func NewPositionHistory(capacity int) *PositionHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &PositionHistory{
		data:     make([]PositionFix, capacity),
		capacity: capacity,
	}
}

// Add appends a fix, evicting the oldest when full
func (h *PositionHistory) Add(fix PositionFix) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tail := (h.head + h.size) % h.capacity
	h.data[tail] = fix
	if h.size < h.capacity {
		h.size++
	} else {
		h.head = (h.head + 1) % h.capacity
	}
}

// Snapshot returns the fixes oldest first
func (h *PositionHistory) Snapshot() []PositionFix {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PositionFix, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.data[(h.head+i)%h.capacity]
	}
	return out
}

// Latest returns the newest fix
func (h *PositionHistory) Latest() (PositionFix, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return PositionFix{}, false
	}
	return h.data[(h.head+h.size-1)%h.capacity], true
}

// Clear drops every fix
func (h *PositionHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.head = 0
	h.size = 0
	for i := range h.data {
		h.data[i] = PositionFix{}
	}
}

func (h *PositionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *PositionHistory) Capacity() int {
	return h.capacity
}

// AccuracyTracker keeps the history of the active provider together with
// the best accuracy observed since the tracker was last reset.
type AccuracyTracker struct {
	history *PositionHistory

	mu           sync.RWMutex
	bestAccuracy float64
	hasBest      bool
}

func NewAccuracyTracker(capacity int) *AccuracyTracker {
	return &AccuracyTracker{history: NewPositionHistory(capacity)}
}

// Record adds a fix to the history and updates the best accuracy
func (t *AccuracyTracker) Record(fix PositionFix) {
	t.history.Add(fix)

	if !isFinitePositive(fix.Accuracy) {
		return
	}
	t.mu.Lock()
	if !t.hasBest || fix.Accuracy < t.bestAccuracy {
		t.bestAccuracy = fix.Accuracy
		t.hasBest = true
	}
	t.mu.Unlock()
}

// BestAccuracy is the smallest accuracy recorded, across provider changes
func (t *AccuracyTracker) BestAccuracy() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bestAccuracy, t.hasBest
}

// ClearHistory empties the series; best accuracy is kept
func (t *AccuracyTracker) ClearHistory() {
	t.history.Clear()
}

// Reset empties the series and forgets the best accuracy
func (t *AccuracyTracker) Reset() {
	t.history.Clear()
	t.mu.Lock()
	t.bestAccuracy = 0
	t.hasBest = false
	t.mu.Unlock()
}

func (t *AccuracyTracker) History() []PositionFix {
	return t.history.Snapshot()
}

func (t *AccuracyTracker) Latest() (PositionFix, bool) {
	return t.history.Latest()
}

// Trend fits accuracy against time over the current history and returns the
// slope in meters per second. Negative means accuracy is improving.
func (t *AccuracyTracker) Trend() (float64, bool) {
	fixes := t.history.Snapshot()

	points := fixes[:0]
	for _, f := range fixes {
		if isFinitePositive(f.Accuracy) && !f.Timestamp.IsZero() {
			points = append(points, f)
		}
	}
	if len(points) < 3 {
		return 0, false
	}

	origin := points[0].Timestamp
	if !points[len(points)-1].Timestamp.After(origin) {
		return 0, false
	}

	r := new(regression.Regression)
	r.SetObserved("accuracy_m")
	r.SetVar(0, "elapsed_s")
	for _, f := range points {
		r.Train(regression.DataPoint(f.Accuracy, []float64{f.Timestamp.Sub(origin).Seconds()}))
	}
	if err := r.Run(); err != nil {
		return 0, false
	}

	slope := r.Coeff(1)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return slope, true
}
