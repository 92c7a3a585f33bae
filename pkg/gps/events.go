package gps

import (
	"fmt"
	"time"
)

// EventType is the closed set of coordinator events
type EventType int

const (
	EventTrackingStarted EventType = iota
	EventPositionUpdate
	EventProviderSwitched
	EventGnssStatus
	EventTrackingStopped
	EventServiceCompleted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventTrackingStarted:
		return "tracking_started"
	case EventPositionUpdate:
		return "position_update"
	case EventProviderSwitched:
		return "provider_switched"
	case EventGnssStatus:
		return "gnss_status"
	case EventTrackingStopped:
		return "tracking_stopped"
	case EventServiceCompleted:
		return "service_completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets events serialize their type by name
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (p Provider) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Provider) UnmarshalText(b []byte) error {
	v, ok := ParseProvider(string(b))
	if !ok {
		return fmt.Errorf("unknown provider %q", string(b))
	}
	*p = v
	return nil
}

// Event is one item of the coordinator's ordered output stream
type Event struct {
	Type          EventType    `json:"type"`
	Session       string       `json:"session"`
	Provider      Provider     `json:"provider"`
	Fix           *PositionFix `json:"fix,omitempty"`
	Status        *GnssStatus  `json:"status,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	FinalAccuracy float64      `json:"final_accuracy,omitempty"`
	Err           error        `json:"-"`
	Timestamp     time.Time    `json:"timestamp"`
}

// StateKind is the coordinator state machine node
type StateKind int

const (
	StateIdle StateKind = iota
	StateAcquiring
	StateTracking
	StateSwitching
	StateCompleted
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateTracking:
		return "tracking"
	case StateSwitching:
		return "switching"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the coordinator state machine
type State struct {
	Kind     StateKind
	Tier     int      // Acquiring
	Provider Provider // Acquiring, Tracking, Switching (target)
	From     Provider // Switching
	Reason   string   // Switching, Failed
	Fix      *PositionFix
	Err      error
}

func (s State) String() string {
	switch s.Kind {
	case StateAcquiring:
		return fmt.Sprintf("acquiring(%d:%s)", s.Tier, s.Provider)
	case StateTracking:
		return fmt.Sprintf("tracking(%s)", s.Provider)
	case StateSwitching:
		return fmt.Sprintf("switching(%s->%s)", s.From, s.Provider)
	default:
		return s.Kind.String()
	}
}
