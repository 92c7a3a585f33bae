package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// FusedMessageKind is the closed set of fused backend push events
type FusedMessageKind int

const (
	FusedPosition FusedMessageKind = iota
	FusedSettingsChanged
	FusedError
)

// FusedMessage is one typed item from a fused/network backend
type FusedMessage struct {
	Kind     FusedMessageKind
	Fix      *PositionFix
	Enabled  bool // FusedSettingsChanged
	Err      error
	Fatal    bool
	Received time.Time
}

// AccuracyHint asks a fused backend for a power/accuracy trade-off
type AccuracyHint int

const (
	AccuracyBalanced AccuracyHint = iota
	AccuracyHigh
	AccuracyLowPower
)

func (h AccuracyHint) String() string {
	switch h {
	case AccuracyHigh:
		return "high"
	case AccuracyLowPower:
		return "low_power"
	default:
		return "balanced"
	}
}

// LocationSettings reports whether location services can serve requests
type LocationSettings struct {
	Enabled bool
	Reason  string
}

// FusedBackend is a fused/network positioning service
type FusedBackend interface {
	IsAvailable(ctx context.Context) (bool, error)
	StartLocationUpdates(ctx context.Context, interval time.Duration, accuracy AccuracyHint) error
	StopLocationUpdates(ctx context.Context) error
	CurrentPosition(ctx context.Context, timeout time.Duration, accuracy AccuracyHint) (*PositionFix, error)
	LocationSettings(ctx context.Context) (LocationSettings, error)
	Messages() <-chan FusedMessage
}

// FusedSource adapts a FusedBackend to PositionSource
type FusedSource struct {
	backend FusedBackend
	logger  *logx.Logger
	name    string
	events  *hub[SourceEvent]

	mu          sync.Mutex
	initialized bool
	tracking    bool
	pumpOnce    sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

func NewFusedSource(name string, backend FusedBackend, logger *logx.Logger) *FusedSource {
	return &FusedSource{
		backend: backend,
		logger:  logger.With("source", name),
		name:    name,
		events:  newHub[SourceEvent](),
		done:    make(chan struct{}),
	}
}

func (s *FusedSource) Provider() Provider { return ProviderFusedNetwork }

func (s *FusedSource) Name() string { return s.name }

func (s *FusedSource) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	ok, err := s.backend.IsAvailable(ctx)
	if err != nil {
		return false, fmt.Errorf("fused backend %s: %w", s.name, err)
	}
	if !ok {
		return false, nil
	}

	settings, err := s.backend.LocationSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("fused backend %s settings: %w", s.name, err)
	}
	if !settings.Enabled {
		s.logger.Warn("fused_location_disabled", "reason", settings.Reason)
		return false, nil
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.pumpOnce.Do(func() { go s.pump() })
	return true, nil
}

func (s *FusedSource) StartTracking(ctx context.Context, cfg TrackingConfig) (bool, error) {
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

	hint := AccuracyBalanced
	if cfg.HighAccuracy {
		hint = AccuracyHigh
	}
	if err := s.backend.StartLocationUpdates(ctx, cfg.Interval, hint); err != nil {
		// Refusals from the location service are not programming errors
		s.logger.Warn("fused_start_refused", "error", err)
		return false, nil
	}

	s.mu.Lock()
	s.tracking = true
	s.mu.Unlock()
	return true, nil
}

func (s *FusedSource) StopTracking(ctx context.Context) error {
	s.mu.Lock()
	if !s.tracking {
		s.mu.Unlock()
		return nil
	}
	s.tracking = false
	s.mu.Unlock()

	if err := s.backend.StopLocationUpdates(ctx); err != nil {
		return fmt.Errorf("fused backend %s stop: %w", s.name, err)
	}
	return nil
}

func (s *FusedSource) OneShotFix(ctx context.Context, timeout time.Duration) (*PositionFix, error) {
	ok, err := s.Initialize(ctx)
	if err != nil || !ok {
		return nil, ErrBackendUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fix, err := s.backend.CurrentPosition(ctx, timeout, AccuracyHigh)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !fix.Valid() {
		CountMalformed(s.name)
		return nil, malformed("fused position out of range")
	}
	out := *fix
	out.Provider = ProviderFusedNetwork
	return &out, nil
}

func (s *FusedSource) Subscribe() (<-chan SourceEvent, func()) {
	return s.events.Subscribe()
}

func (s *FusedSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.events.Close()
	})
	return nil
}

func (s *FusedSource) pump() {
	msgs := s.backend.Messages()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				s.publish(SourceEvent{Kind: SourceError, Err: ErrBackendUnavailable, Fatal: true})
				return
			}
			s.handle(msg)
		}
	}
}

func (s *FusedSource) handle(msg FusedMessage) {
	at := msg.Received
	if at.IsZero() {
		at = time.Now()
	}

	switch msg.Kind {
	case FusedPosition:
		if !msg.Fix.Valid() {
			CountMalformed(s.name)
			s.logger.Warn("fused_position_dropped", "reason", "invalid coordinates")
			return
		}
		fix := *msg.Fix
		fix.Provider = ProviderFusedNetwork
		s.publish(SourceEvent{Kind: SourceFix, Fix: &fix, At: at})

	case FusedSettingsChanged:
		s.logger.Info("fused_settings_changed", "enabled", msg.Enabled)
		ev := SourceEvent{Kind: SourceSettings, Enabled: msg.Enabled, At: at}
		if !msg.Enabled {
			ev.Err = ErrBackendUnavailable
		}
		s.publish(ev)

	case FusedError:
		s.publish(SourceEvent{Kind: SourceError, Err: msg.Err, Fatal: msg.Fatal, At: at})
	}
}

func (s *FusedSource) publish(ev SourceEvent) {
	ev.Provider = ProviderFusedNetwork
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.Publish(ev)
}
