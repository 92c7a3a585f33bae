package gps

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Locator is a request/response position service such as a geolocation API
type Locator interface {
	Locate(ctx context.Context) (*PositionFix, error)
}

// AvailabilityChecker is implemented by locators that can tell up front
// whether a request could succeed
type AvailabilityChecker interface {
	Available(ctx context.Context) bool
}

// LocatorChain asks each locator in turn and returns the first fix
type LocatorChain []Locator

func (c LocatorChain) Locate(ctx context.Context) (*PositionFix, error) {
	var errs []error
	for _, l := range c {
		if ac, ok := l.(AvailabilityChecker); ok && !ac.Available(ctx) {
			continue
		}
		fix, err := l.Locate(ctx)
		if err == nil {
			return fix, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, ErrBackendUnavailable
	}
	return nil, errors.Join(errs...)
}

// Available is true when any member could answer
func (c LocatorChain) Available(ctx context.Context) bool {
	for _, l := range c {
		ac, ok := l.(AvailabilityChecker)
		if !ok || ac.Available(ctx) {
			return true
		}
	}
	return false
}

// PolledFusedBackend turns a Locator into a push FusedBackend by polling it
// at the requested interval while updates are on.
type PolledFusedBackend struct {
	name        string
	locator     Locator
	logger      *logx.Logger
	minInterval time.Duration
	timeout     time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	messages chan FusedMessage
	enabled  bool
}

// NewPolledFusedBackend polls loc no more often than minInterval. Each poll
// is bounded by timeout.
func NewPolledFusedBackend(name string, loc Locator, minInterval, timeout time.Duration, logger *logx.Logger) *PolledFusedBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PolledFusedBackend{
		name:        name,
		locator:     loc,
		logger:      logger.With("backend", name),
		minInterval: minInterval,
		timeout:     timeout,
		messages:    make(chan FusedMessage, 16),
		enabled:     true,
	}
}

func (b *PolledFusedBackend) IsAvailable(ctx context.Context) (bool, error) {
	if ac, ok := b.locator.(AvailabilityChecker); ok {
		return ac.Available(ctx), nil
	}
	return true, nil
}

func (b *PolledFusedBackend) LocationSettings(ctx context.Context) (LocationSettings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return LocationSettings{Enabled: false, Reason: "disabled by operator"}, nil
	}
	return LocationSettings{Enabled: true}, nil
}

// SetEnabled switches the service on or off and announces the change
func (b *PolledFusedBackend) SetEnabled(enabled bool) {
	b.mu.Lock()
	changed := b.enabled != enabled
	b.enabled = enabled
	b.mu.Unlock()
	if changed {
		b.send(FusedMessage{Kind: FusedSettingsChanged, Enabled: enabled})
	}
}

func (b *PolledFusedBackend) StartLocationUpdates(ctx context.Context, interval time.Duration, accuracy AccuracyHint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if !b.enabled {
		return ErrBackendUnavailable
	}
	if interval < b.minInterval {
		interval = b.minInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.poll(pollCtx, interval)

	b.logger.Debug("polled_updates_started", "interval", interval.String(), "accuracy", accuracy.String())
	return nil
}

func (b *PolledFusedBackend) StopLocationUpdates(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *PolledFusedBackend) CurrentPosition(ctx context.Context, timeout time.Duration, accuracy AccuracyHint) (*PositionFix, error) {
	if timeout <= 0 || timeout > b.timeout {
		timeout = b.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.locator.Locate(ctx)
}

func (b *PolledFusedBackend) Messages() <-chan FusedMessage {
	return b.messages
}

func (b *PolledFusedBackend) poll(ctx context.Context, interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *PolledFusedBackend) pollOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	fix, err := b.locator.Locate(reqCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		b.logger.Debug("polled_locate_failed", "error", err)
		b.send(FusedMessage{Kind: FusedError, Err: err, Received: time.Now()})
		return
	}
	b.send(FusedMessage{Kind: FusedPosition, Fix: fix, Received: time.Now()})
}

// send never blocks; a full queue drops the message
func (b *PolledFusedBackend) send(msg FusedMessage) {
	select {
	case b.messages <- msg:
	default:
		b.logger.Warn("polled_message_dropped", "kind", int(msg.Kind))
	}
}
