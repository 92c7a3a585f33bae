package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// StandardBackend is the last-resort positioning service. It has no push
// stream; it is asked for the current position and may answer with the last
// known one.
type StandardBackend interface {
	Available(ctx context.Context) (bool, error)
	PositionWithFallback(ctx context.Context, timeout time.Duration) (*PositionFix, error)
}

// StandardSource polls a StandardBackend while tracking
type StandardSource struct {
	backend StandardBackend
	logger  *logx.Logger
	name    string
	events  *hub[SourceEvent]

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pollTimeout time.Duration
}

func NewStandardSource(name string, backend StandardBackend, pollTimeout time.Duration, logger *logx.Logger) *StandardSource {
	if pollTimeout <= 0 {
		pollTimeout = 15 * time.Second
	}
	return &StandardSource{
		backend:     backend,
		logger:      logger.With("source", name),
		name:        name,
		events:      newHub[SourceEvent](),
		pollTimeout: pollTimeout,
	}
}

func (s *StandardSource) Provider() Provider { return ProviderStandardFallback }

func (s *StandardSource) Name() string { return s.name }

func (s *StandardSource) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	ok, err := s.backend.Available(ctx)
	if err != nil {
		return false, fmt.Errorf("standard backend %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.initialized = ok
	s.mu.Unlock()
	return ok, nil
}

func (s *StandardSource) StartTracking(ctx context.Context, cfg TrackingConfig) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, nil
	}
	if s.cancel != nil {
		return true, nil
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.poll(pollCtx, interval)
	return true, nil
}

func (s *StandardSource) StopTracking(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StandardSource) OneShotFix(ctx context.Context, timeout time.Duration) (*PositionFix, error) {
	ok, err := s.Initialize(ctx)
	if err != nil || !ok {
		return nil, ErrBackendUnavailable
	}
	return s.fetch(ctx, timeout)
}

func (s *StandardSource) fetch(ctx context.Context, timeout time.Duration) (*PositionFix, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fix, err := s.backend.PositionWithFallback(ctx, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			return nil, ErrTimeout
		}
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !fix.Valid() {
		CountMalformed(s.name)
		return nil, malformed("standard position out of range")
	}
	out := *fix
	out.Provider = ProviderStandardFallback
	return &out, nil
}

func (s *StandardSource) Subscribe() (<-chan SourceEvent, func()) {
	return s.events.Subscribe()
}

func (s *StandardSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
	defer cancel()
	err := s.StopTracking(ctx)
	s.events.Close()
	return err
}

func (s *StandardSource) poll(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fix, err := s.fetch(ctx, s.pollTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Debug("standard_poll_failed", "error", err)
			s.events.Publish(SourceEvent{Kind: SourceError, Provider: ProviderStandardFallback, Err: err, At: time.Now()})
		} else {
			s.events.Publish(SourceEvent{Kind: SourceFix, Provider: ProviderStandardFallback, Fix: fix, At: time.Now()})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
