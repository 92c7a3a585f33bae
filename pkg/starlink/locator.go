package starlink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Locator is a gps.Locator over the dish's fused position. The dish fuses
// its own GNSS with inertial data, so fixes are attributed to the fused tier.
type Locator struct {
	caller Caller
	logger *logx.Logger
}

func NewLocator(caller Caller, logger *logx.Logger) *Locator {
	return &Locator{caller: caller, logger: logger}
}

// Available is true when the dish answers on its API port
func (l *Locator) Available(ctx context.Context) bool {
	if c, ok := l.caller.(*Client); ok {
		return c.Reachable(ctx)
	}
	return true
}

func (l *Locator) Locate(ctx context.Context) (*gps.PositionFix, error) {
	raw, err := l.caller.CallMethod(ctx, MethodGetLocation)
	if err != nil {
		return nil, err
	}
	fix, err := parseLocation(raw, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	// Satellite count is best effort; a failed status call leaves it at 0
	if raw, err := l.caller.CallMethod(ctx, MethodGetStatus); err == nil {
		var status StatusResponse
		if json.Unmarshal([]byte(raw), &status) == nil {
			stats := status.DishGetStatus.GPSStats
			if stats.GPSValid {
				fix.Satellites = stats.GPSSats
			}
		}
	} else {
		l.logger.Debug("starlink_status_failed", "error", err)
	}
	return fix, nil
}

func parseLocation(raw string, now time.Time) (*gps.PositionFix, error) {
	var resp LocationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: starlink location: %v", gps.ErrMalformedPayload, err)
	}
	loc := resp.GetLocation
	fix := &gps.PositionFix{
		Latitude:  loc.LLA.Lat,
		Longitude: loc.LLA.Lon,
		Altitude:  loc.LLA.Alt,
		Accuracy:  loc.SigmaM,
		Speed:     loc.HorizontalSpeedMps,
		Timestamp: now,
		Provider:  gps.ProviderFusedNetwork,
		FixType:   gps.Fix3D,
	}
	if !fix.Valid() {
		return nil, fmt.Errorf("%w: starlink returned no position", gps.ErrMalformedPayload)
	}
	if fix.Accuracy <= 0 {
		return nil, fmt.Errorf("%w: starlink position without sigma", gps.ErrMalformedPayload)
	}
	return fix, nil
}
