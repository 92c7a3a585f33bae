package gps

import (
	"context"
	"time"
)

// SourceEventKind is the closed set of events a PositionSource pushes
type SourceEventKind int

const (
	SourceFix SourceEventKind = iota
	SourceStatus
	SourceError
	SourceFirstFix
	SourceSettings
)

func (k SourceEventKind) String() string {
	switch k {
	case SourceFix:
		return "fix"
	case SourceStatus:
		return "status"
	case SourceError:
		return "error"
	case SourceFirstFix:
		return "first_fix"
	case SourceSettings:
		return "settings"
	default:
		return "unknown"
	}
}

// SourceEvent is one item of a source's push stream. Which fields are set
// depends on Kind:
//
//	SourceFix       Fix
//	SourceStatus    Status (Status.Fix when the receiver has a position)
//	SourceError     Err, Fatal
//	SourceFirstFix  TTFF
//	SourceSettings  Enabled, Err when location services were switched off
type SourceEvent struct {
	Kind     SourceEventKind
	Provider Provider
	Fix      *PositionFix
	Status   *GnssStatus
	Err      error
	Fatal    bool
	TTFF     time.Duration
	Enabled  bool
	At       time.Time
}

// PositionSource is a single positioning backend as seen by the coordinator
type PositionSource interface {
	Provider() Provider

	// Initialize prepares the backend. It is idempotent and returns false,
	// not an error, when the backend is categorically unavailable.
	Initialize(ctx context.Context) (bool, error)

	// StartTracking begins continuous updates. Refusal is reported as false.
	StartTracking(ctx context.Context, cfg TrackingConfig) (bool, error)

	// StopTracking is idempotent and safe when not tracking
	StopTracking(ctx context.Context) error

	// OneShotFix waits for a single fix. It fails with ErrTimeout or
	// ErrBackendUnavailable.
	OneShotFix(ctx context.Context, timeout time.Duration) (*PositionFix, error)

	// Subscribe attaches to the push stream. The channel closes only when
	// the source is closed or the returned cancel func is called.
	Subscribe() (<-chan SourceEvent, func())

	Close() error
}

// Named is implemented by sources that can describe their backend
type Named interface {
	Name() string
}
