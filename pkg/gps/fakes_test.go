package gps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

// activeCounter records how many fake sources are started at once
type activeCounter struct {
	mu     sync.Mutex
	active int
	max    int
}

func (a *activeCounter) inc() {
	a.mu.Lock()
	a.active++
	if a.active > a.max {
		a.max = a.active
	}
	a.mu.Unlock()
}

func (a *activeCounter) dec() {
	a.mu.Lock()
	a.active--
	a.mu.Unlock()
}

func (a *activeCounter) peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}

// script runs while a fake source is tracking
type script func(emit func(SourceEvent), stop <-chan struct{})

type fakeSource struct {
	provider Provider
	events   *hub[SourceEvent]
	counter  *activeCounter
	script   script

	mu        sync.Mutex
	available bool
	initErr   error
	inits     int
	refuse    bool
	startErr  error
	tracking  bool
	starts    int
	stops     int
	stopCh    chan struct{}
	wg        sync.WaitGroup
	oneShot   *PositionFix
}

func newFakeSource(p Provider, counter *activeCounter, sc script) *fakeSource {
	if counter == nil {
		counter = &activeCounter{}
	}
	return &fakeSource{
		provider:  p,
		events:    newHub[SourceEvent](),
		counter:   counter,
		script:    sc,
		available: true,
	}
}

func (f *fakeSource) Provider() Provider { return f.provider }

func (f *fakeSource) Initialize(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.available, f.initErr
}

func (f *fakeSource) StartTracking(ctx context.Context, cfg TrackingConfig) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return false, f.startErr
	}
	if f.refuse {
		return false, nil
	}
	if f.tracking {
		return true, nil
	}
	f.tracking = true
	f.counter.inc()

	f.stopCh = make(chan struct{})
	if f.script != nil {
		stop := f.stopCh
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.script(f.emit, stop)
		}()
	}
	return true, nil
}

func (f *fakeSource) StopTracking(ctx context.Context) error {
	f.mu.Lock()
	if !f.tracking {
		f.mu.Unlock()
		return nil
	}
	f.tracking = false
	f.stops++
	close(f.stopCh)
	f.mu.Unlock()

	f.wg.Wait()
	f.counter.dec()
	return nil
}

func (f *fakeSource) OneShotFix(ctx context.Context, timeout time.Duration) (*PositionFix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return nil, ErrBackendUnavailable
	}
	if f.oneShot == nil {
		return nil, ErrTimeout
	}
	return f.oneShot, nil
}

func (f *fakeSource) Subscribe() (<-chan SourceEvent, func()) {
	return f.events.Subscribe()
}

func (f *fakeSource) Close() error {
	f.events.Close()
	return nil
}

func (f *fakeSource) emit(ev SourceEvent) {
	ev.Provider = f.provider
	f.events.Publish(ev)
}

func (f *fakeSource) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeSource) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeSource) isTracking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracking
}

// silent never reports anything
func silent() script {
	return func(emit func(SourceEvent), stop <-chan struct{}) { <-stop }
}

// emitOnce sends ev right after start
func emitOnce(ev SourceEvent) script {
	return func(emit func(SourceEvent), stop <-chan struct{}) {
		emit(ev)
		<-stop
	}
}

// emitEvery sends a fresh event every interval until stopped
func emitEvery(interval time.Duration, mk func() SourceEvent) script {
	return func(emit func(SourceEvent), stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		emit(mk())
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				emit(mk())
			}
		}
	}
}

func fixEvent(p Provider, accuracy float64, sats int) SourceEvent {
	return SourceEvent{Kind: SourceFix, Fix: testFix(p, accuracy, sats)}
}

func testFix(p Provider, accuracy float64, sats int) *PositionFix {
	ft := FixNone
	if p == ProviderNativeGNSS {
		ft = Fix3D
	}
	return &PositionFix{
		Latitude:   59.3293,
		Longitude:  18.0686,
		Accuracy:   accuracy,
		Timestamp:  time.Now(),
		Provider:   p,
		Satellites: sats,
		FixType:    ft,
	}
}

func statusEvent(inUse int, accuracy float64) SourceEvent {
	status := &GnssStatus{
		FixType:   Fix3D,
		InView:    inUse + 2,
		InUse:     inUse,
		AvgSNR:    35,
		Accuracy:  accuracy,
		Fix:       testFix(ProviderNativeGNSS, accuracy, inUse),
		Timestamp: time.Now(),
	}
	return SourceEvent{Kind: SourceStatus, Status: status}
}

// testConfig shrinks the default tiers to test-friendly durations
func testConfig(deadline, window time.Duration) *CoordinatorConfig {
	cfg := DefaultCoordinatorConfig()
	for i := range cfg.Tiers {
		cfg.Tiers[i].Deadline = deadline
		cfg.Tiers[i].Window = window
	}
	cfg.StopTimeout = time.Second
	cfg.InitializeTimeout = time.Second
	return cfg
}

// recorder collects coordinator events in order
type recorder struct {
	mu     sync.Mutex
	events []Event
	cancel func()
}

func record(t *testing.T, c *Coordinator) *recorder {
	ch, cancel := c.Subscribe()
	r := &recorder{cancel: cancel}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	t.Cleanup(cancel)
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ EventType, timeout time.Duration) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range r.snapshot() {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	}, timeout, 2*time.Millisecond, "waiting for %s, got %v", typ, r.types())
	return found
}
