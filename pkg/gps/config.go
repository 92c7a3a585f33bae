package gps

import (
	"fmt"
	"math"
	"time"
)

// Tier is one ordered stage of the fallback sequence
type Tier struct {
	Provider Provider      `json:"provider"`
	Criteria Criteria      `json:"criteria"`
	Deadline time.Duration `json:"deadline"` // Acquisition timeout
	Window   time.Duration `json:"window"`   // Tracking re-evaluation window, 0 disables
}

// CoordinatorConfig configures the provider coordinator
type CoordinatorConfig struct {
	Tiers             []Tier        `json:"tiers"`
	UpdateInterval    time.Duration `json:"update_interval"`
	HistorySize       int           `json:"history_size"`
	StopTimeout       time.Duration `json:"stop_timeout"`       // Bound on a source's StopTracking during handoff
	InitializeTimeout time.Duration `json:"initialize_timeout"` // Bound on a source's Initialize
}

const maxSatellites = 64

// DefaultCoordinatorConfig returns the GNSS -> fused -> standard sequence.
// The 30s/30s/60s windows are starting points, not derived constants.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Tiers: []Tier{
			{
				Provider: ProviderNativeGNSS,
				Criteria: Criteria{
					MinSatellites: 4,
					MaxAccuracy:   50,
					FixTypes:      []FixType{Fix2D, Fix3D},
				},
				Deadline: 30 * time.Second,
				Window:   30 * time.Second,
			},
			{
				Provider: ProviderFusedNetwork,
				Criteria: Criteria{MaxAccuracy: 100},
				Deadline: 30 * time.Second,
				Window:   30 * time.Second,
			},
			{
				Provider: ProviderStandardFallback,
				Criteria: Criteria{MaxAccuracy: 500},
				Deadline: 60 * time.Second,
				Window:   60 * time.Second,
			},
		},
		UpdateInterval:    time.Second,
		HistorySize:       50,
		StopTimeout:       5 * time.Second,
		InitializeTimeout: 10 * time.Second,
	}
}

// Validate rejects configurations the coordinator cannot run with
func (c *CoordinatorConfig) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidConfig)
	}
	for i, t := range c.Tiers {
		switch t.Provider {
		case ProviderNativeGNSS, ProviderFusedNetwork, ProviderStandardFallback:
		default:
			return fmt.Errorf("%w: tier %d has unknown provider %d", ErrInvalidConfig, i, t.Provider)
		}
		if t.Deadline <= 0 {
			return fmt.Errorf("%w: tier %d (%s) deadline must be positive", ErrInvalidConfig, i, t.Provider)
		}
		if t.Window < 0 {
			return fmt.Errorf("%w: tier %d (%s) window must not be negative", ErrInvalidConfig, i, t.Provider)
		}
		cr := t.Criteria
		if cr.MinSatellites < 0 || cr.MinSatellites > maxSatellites {
			return fmt.Errorf("%w: tier %d (%s) min satellites %d outside 0..%d", ErrInvalidConfig, i, t.Provider, cr.MinSatellites, maxSatellites)
		}
		if math.IsNaN(cr.MaxAccuracy) || cr.MaxAccuracy <= 0 {
			return fmt.Errorf("%w: tier %d (%s) max accuracy must be positive", ErrInvalidConfig, i, t.Provider)
		}
		if math.IsNaN(cr.MinSNR) || cr.MinSNR < 0 || cr.MinSNR > 99 {
			return fmt.Errorf("%w: tier %d (%s) min snr %.1f outside 0..99", ErrInvalidConfig, i, t.Provider, cr.MinSNR)
		}
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("%w: update interval must be positive", ErrInvalidConfig)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("%w: history size must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero-valued timing fields
func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	d := DefaultCoordinatorConfig()
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.InitializeTimeout <= 0 {
		c.InitializeTimeout = d.InitializeTimeout
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}
