package gpsctl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
	"github.com/markus-lassfolk/locationd/pkg/ubus"
)

// Config for the router GPS fallback
type Config struct {
	UseATFallback bool          `json:"use_at_fallback"`
	UERE          float64       `json:"uere"`
	MaxLastKnown  time.Duration `json:"max_last_known"`
}

func DefaultConfig() *Config {
	return &Config{
		UseATFallback: true,
		UERE:          5.0,
		MaxLastKnown:  24 * time.Hour,
	}
}

// LastKnown supplies the previously accepted fix
type LastKnown interface {
	Load() (*gps.PositionFix, error)
}

// Backend is a gps.StandardBackend over the router's own GPS, read with
// gpsctl (RutOS) or the modem's AT+QGPSLOC. When neither has a fix it
// answers with the persisted last-known position.
type Backend struct {
	runner    ubus.Runner
	config    *Config
	lastKnown LastKnown
	logger    *logx.Logger
}

func NewBackend(runner ubus.Runner, config *Config, lastKnown LastKnown, logger *logx.Logger) *Backend {
	if config == nil {
		config = DefaultConfig()
	}
	return &Backend{runner: runner, config: config, lastKnown: lastKnown, logger: logger}
}

func (b *Backend) Available(ctx context.Context) (bool, error) {
	if _, err := b.runner.Run(ctx, "gpsctl", "-s"); err == nil {
		return true, nil
	}
	if b.config.UseATFallback {
		if _, err := b.runner.Run(ctx, "gsmctl", "-A", "AT"); err == nil {
			return true, nil
		}
	}
	if b.lastKnown != nil {
		if _, err := b.lastKnown.Load(); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) PositionWithFallback(ctx context.Context, timeout time.Duration) (*gps.PositionFix, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fix, err := b.fromGpsctl(ctx)
	if err != nil && b.config.UseATFallback && ctx.Err() == nil {
		b.logger.Debug("gpsctl_failed", "error", err)
		fix, err = b.fromAT(ctx)
	}
	if err == nil {
		return fix, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = gps.ErrTimeout
	}

	if last := b.fallback(); last != nil {
		b.logger.Debug("using_last_known", "age", time.Since(last.Timestamp).String(), "cause", err)
		return last, nil
	}
	return nil, err
}

func (b *Backend) fallback() *gps.PositionFix {
	if b.lastKnown == nil {
		return nil
	}
	last, err := b.lastKnown.Load()
	if err != nil || !last.Valid() {
		return nil
	}
	if b.config.MaxLastKnown > 0 && time.Since(last.Timestamp) > b.config.MaxLastKnown {
		return nil
	}
	last.LastKnown = true
	last.Provider = gps.ProviderStandardFallback
	return last
}

func (b *Backend) value(ctx context.Context, flag string) (string, error) {
	out, err := b.runner.Run(ctx, "gpsctl", flag)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *Backend) float(ctx context.Context, flag string) (float64, error) {
	s, err := b.value(ctx, flag)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

func (b *Backend) fromGpsctl(ctx context.Context) (*gps.PositionFix, error) {
	status, err := b.value(ctx, "-s")
	if err != nil {
		return nil, fmt.Errorf("gpsctl status: %w", err)
	}
	if status != "1" {
		return nil, fmt.Errorf("gpsctl: no fix (status %q)", status)
	}

	lat, err := b.float(ctx, "-i")
	if err != nil {
		return nil, fmt.Errorf("gpsctl latitude: %w", err)
	}
	lon, err := b.float(ctx, "-x")
	if err != nil {
		return nil, fmt.Errorf("gpsctl longitude: %w", err)
	}

	fix := &gps.PositionFix{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: time.Now().UTC(),
		Provider:  gps.ProviderStandardFallback,
		FixType:   gps.Fix2D,
	}
	if alt, err := b.float(ctx, "-a"); err == nil {
		fix.Altitude = alt
		fix.FixType = gps.Fix3D
	}
	if acc, err := b.float(ctx, "-u"); err == nil && acc > 0 {
		fix.Accuracy = acc
	}
	if sats, err := b.float(ctx, "-p"); err == nil && sats >= 0 {
		fix.Satellites = int(sats)
	}
	if speed, err := b.float(ctx, "-v"); err == nil {
		fix.Speed = speed / 3.6
	}
	if course, err := b.float(ctx, "-c"); err == nil {
		fix.Heading = course
	}
	if fix.Accuracy == 0 {
		if hdop, err := b.float(ctx, "-h"); err == nil && hdop > 0 {
			fix.Accuracy = hdop * b.config.UERE
		}
	}

	if !fix.Valid() {
		return nil, fmt.Errorf("%w: gpsctl returned (%f, %f)", gps.ErrMalformedPayload, lat, lon)
	}
	return fix, nil
}

func (b *Backend) fromAT(ctx context.Context) (*gps.PositionFix, error) {
	out, err := b.runner.Run(ctx, "gsmctl", "-A", "AT+QGPSLOC=2")
	if err != nil {
		return nil, fmt.Errorf("AT+QGPSLOC: %w", err)
	}
	return parseQGPSLOC(string(out), b.config.UERE, time.Now().UTC())
}

// parseQGPSLOC reads the decimal-degree form of the Quectel location report:
//
//	+QGPSLOC: <utc>,<lat>,<lon>,<hdop>,<alt>,<fix>,<cog>,<spkm>,<spkn>,<date>,<nsat>
func parseQGPSLOC(out string, uere float64, now time.Time) (*gps.PositionFix, error) {
	var line string
	for _, l := range strings.Split(out, "\n") {
		if i := strings.Index(l, "+QGPSLOC:"); i >= 0 {
			line = strings.TrimSpace(l[i+len("+QGPSLOC:"):])
			break
		}
	}
	if line == "" {
		// +CME ERROR: 516 is "not fixed now"
		return nil, fmt.Errorf("AT+QGPSLOC: no fix: %s", strings.TrimSpace(out))
	}

	parts := strings.Split(line, ",")
	if len(parts) < 11 {
		return nil, fmt.Errorf("%w: short QGPSLOC reply %q", gps.ErrMalformedPayload, line)
	}
	num := func(i int) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(parts[i]), 64) }

	lat, err := num(1)
	if err != nil {
		return nil, fmt.Errorf("%w: QGPSLOC latitude: %v", gps.ErrMalformedPayload, err)
	}
	lon, err := num(2)
	if err != nil {
		return nil, fmt.Errorf("%w: QGPSLOC longitude: %v", gps.ErrMalformedPayload, err)
	}

	fix := &gps.PositionFix{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: now,
		Provider:  gps.ProviderStandardFallback,
		FixType:   gps.Fix2D,
	}
	if hdop, err := num(3); err == nil && hdop > 0 {
		fix.Accuracy = hdop * uere
	}
	if alt, err := num(4); err == nil {
		fix.Altitude = alt
	}
	if mode, err := num(5); err == nil && mode == 3 {
		fix.FixType = gps.Fix3D
	}
	if cog, err := num(6); err == nil {
		fix.Heading = cog
	}
	if kmh, err := num(7); err == nil {
		fix.Speed = kmh / 3.6
	}
	if n, err := num(10); err == nil && n >= 0 {
		fix.Satellites = int(n)
	}
	if ts, err := time.Parse("150405.0 020106", strings.TrimSpace(parts[0])+" "+strings.TrimSpace(parts[9])); err == nil {
		fix.Timestamp = ts.UTC()
	}

	if !fix.Valid() {
		return nil, fmt.Errorf("%w: QGPSLOC returned (%f, %f)", gps.ErrMalformedPayload, lat, lon)
	}
	return fix, nil
}
