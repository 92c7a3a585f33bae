package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// NativeBackend is the raw native positioning backend. Its stream carries
// loosely typed payloads keyed by event type; NativeSource is the only
// place they are decoded.
type NativeBackend interface {
	Initialize(ctx context.Context) (bool, error)
	StartTracking(ctx context.Context, interval time.Duration, highAccuracy bool) (bool, error)
	StopTracking(ctx context.Context) error
	Capabilities(ctx context.Context) (map[string]interface{}, error)
	CurrentStatus(ctx context.Context) (map[string]interface{}, error)
	Messages() <-chan NativeMessage
}

// NativeSource adapts a NativeBackend to PositionSource
type NativeSource struct {
	backend NativeBackend
	logger  *logx.Logger
	name    string
	events  *hub[SourceEvent]

	mu          sync.Mutex
	initialized bool
	tracking    bool
	lastStatus  *GnssStatus
	pumpOnce    sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

// NewNativeSource wraps backend. name only appears in logs and metrics.
func NewNativeSource(name string, backend NativeBackend, logger *logx.Logger) *NativeSource {
	return &NativeSource{
		backend: backend,
		logger:  logger.With("source", name),
		name:    name,
		events:  newHub[SourceEvent](),
		done:    make(chan struct{}),
	}
}

func (s *NativeSource) Provider() Provider { return ProviderNativeGNSS }

func (s *NativeSource) Name() string { return s.name }

func (s *NativeSource) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	ok, err := s.backend.Initialize(ctx)
	if err != nil {
		return false, fmt.Errorf("native backend %s: %w", s.name, err)
	}
	if !ok {
		return false, nil
	}

	if caps, err := s.backend.Capabilities(ctx); err == nil {
		s.logger.LogDebugVerbose("native_capabilities", caps)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.pumpOnce.Do(func() { go s.pump() })
	return true, nil
}

func (s *NativeSource) StartTracking(ctx context.Context, cfg TrackingConfig) (bool, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return false, nil
	}
	if s.tracking {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	ok, err := s.backend.StartTracking(ctx, cfg.Interval, cfg.HighAccuracy)
	if err != nil {
		return false, fmt.Errorf("native backend %s start: %w", s.name, err)
	}

	s.mu.Lock()
	s.tracking = ok
	s.lastStatus = nil
	if !ok {
		// A backend that refuses after initializing has lost its device
		s.initialized = false
	}
	s.mu.Unlock()
	return ok, nil
}

func (s *NativeSource) StopTracking(ctx context.Context) error {
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return nil
	}
	s.tracking = false
	s.mu.Unlock()

	if err := s.backend.StopTracking(ctx); err != nil {
		return fmt.Errorf("native backend %s stop: %w", s.name, err)
	}
	return nil
}

// OneShotFix starts the receiver if needed and waits for the first fix.
// A receiver that was already tracking is left running.
func (s *NativeSource) OneShotFix(ctx context.Context, timeout time.Duration) (*PositionFix, error) {
	ok, err := s.Initialize(ctx)
	if err != nil || !ok {
		return nil, ErrBackendUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.mu.Lock()
	wasTracking := s.tracking
	s.mu.Unlock()
	if !wasTracking {
		started, err := s.StartTracking(ctx, TrackingConfig{Interval: time.Second, HighAccuracy: true})
		if err != nil || !started {
			return nil, ErrBackendUnavailable
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = s.StopTracking(stopCtx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrBackendUnavailable
			}
			switch {
			case ev.Kind == SourceFix && ev.Fix != nil:
				return ev.Fix, nil
			case ev.Kind == SourceStatus && ev.Status != nil && ev.Status.Fix != nil:
				return ev.Status.Fix, nil
			case ev.Kind == SourceError && ev.Fatal:
				return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, ev.Err)
			}
		}
	}
}

// Status queries the receiver directly, outside the push stream
func (s *NativeSource) Status(ctx context.Context) (*GnssStatus, error) {
	raw, err := s.backend.CurrentStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("native backend %s status: %w", s.name, err)
	}
	status, err := decodeSatelliteStatus(payload(raw), time.Now().UTC())
	if err != nil {
		CountMalformed(s.name)
		return nil, err
	}
	return status, nil
}

func (s *NativeSource) Subscribe() (<-chan SourceEvent, func()) {
	return s.events.Subscribe()
}

func (s *NativeSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.events.Close()
	})
	return nil
}

func (s *NativeSource) pump() {
	msgs := s.backend.Messages()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				s.reset()
				s.publish(SourceEvent{Kind: SourceError, Err: ErrBackendUnavailable, Fatal: true})
				return
			}
			if ev, ok := s.decode(msg); ok {
				if ev.Kind == SourceError && ev.Fatal {
					s.reset()
				}
				s.publish(ev)
			}
		}
	}
}

// reset marks the backend uninitialized after a fatal error so the next
// Initialize goes back to the backend
func (s *NativeSource) reset() {
	s.mu.Lock()
	s.initialized = false
	s.lastStatus = nil
	s.mu.Unlock()
	s.logger.Warn("native_backend_reset")
}

// decode turns one raw message into an event. Malformed messages are
// counted, logged and dropped.
func (s *NativeSource) decode(msg NativeMessage) (SourceEvent, bool) {
	now := time.Now().UTC()
	p := payload(msg.Payload)
	if p == nil {
		p = payload{}
	}

	var ev SourceEvent
	var err error

	switch msg.Type {
	case NativeSatelliteStatus:
		var status *GnssStatus
		status, err = decodeSatelliteStatus(p, now)
		if err == nil {
			s.mu.Lock()
			s.lastStatus = status
			s.mu.Unlock()
			ev = SourceEvent{Kind: SourceStatus, Status: status}
		}

	case NativeGnssMeasurements:
		var snr map[satelliteKey]float64
		snr, err = measurementSNR(p)
		if err == nil {
			s.mu.Lock()
			last := s.lastStatus
			if last != nil {
				last = applyMeasurements(last, snr)
				s.lastStatus = last
			}
			s.mu.Unlock()
			if last == nil {
				return ev, false
			}
			ev = SourceEvent{Kind: SourceStatus, Status: last}
		}

	case NativeLocationUpdate:
		var fix *PositionFix
		fix, err = decodeLocation(p, now)
		if err == nil {
			s.mu.Lock()
			if s.lastStatus != nil && fix.Satellites == 0 {
				fix.Satellites = s.lastStatus.InUse
			}
			s.mu.Unlock()
			ev = SourceEvent{Kind: SourceFix, Fix: fix}
		}

	case NativeFirstFix:
		var ttff time.Duration
		ttff, err = decodeTTFF(p)
		if err == nil {
			ev = SourceEvent{Kind: SourceFirstFix, TTFF: ttff}
		}

	case NativeError:
		msgText := p.str("message")
		if msgText == "" {
			msgText = "unspecified native error"
		}
		ev = SourceEvent{Kind: SourceError, Err: errors.New(msgText), Fatal: p.bool("fatal")}

	default:
		err = malformed("unknown event type %q", msg.Type)
	}

	if err != nil {
		CountMalformed(s.name)
		s.logger.Warn("native_payload_dropped", "type", msg.Type, "error", err)
		return ev, false
	}
	return ev, true
}

func (s *NativeSource) publish(ev SourceEvent) {
	ev.Provider = ProviderNativeGNSS
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.Publish(ev)
}
