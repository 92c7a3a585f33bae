package google

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config for the Google Geolocation locator
type Config struct {
	APIKey     string        `json:"api_key"`
	WiFiDevice string        `json:"wifi_device"`
	Cellular   bool          `json:"cellular"`
	MinAPs     int           `json:"min_aps"`
	CacheTTL   time.Duration `json:"cache_ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		WiFiDevice: "wlan0",
		Cellular:   true,
		MinAPs:     2,
		CacheTTL:   5 * time.Minute,
	}
}

// Geolocator is the part of *maps.Client the locator uses
type Geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

var errInsufficientData = errors.New("not enough WiFi or cellular observations")

// Locator is a gps.Locator backed by the Google Geolocation API. While the
// radio environment is unchanged it answers from its cache instead of
// spending an API call.
type Locator struct {
	config  *Config
	api     Geolocator
	scanner Scanner
	logger  *logx.Logger

	mu        sync.Mutex
	signature string
	cached    *gps.PositionFix
	cachedAt  time.Time
	apiCalls  int
	cacheHits int
}

// NewClient builds the maps client for config.APIKey
func NewClient(config *Config) (*maps.Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("google geolocation requires an API key")
	}
	return maps.NewClient(maps.WithAPIKey(config.APIKey))
}

func NewLocator(config *Config, api Geolocator, scanner Scanner, logger *logx.Logger) *Locator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Locator{config: config, api: api, scanner: scanner, logger: logger}
}

// Available is false without an API client
func (l *Locator) Available(ctx context.Context) bool {
	return l.api != nil
}

func (l *Locator) Locate(ctx context.Context) (*gps.PositionFix, error) {
	if l.api == nil {
		return nil, gps.ErrBackendUnavailable
	}

	scan, err := l.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("radio scan failed: %w", err)
	}
	if len(scan.AccessPoints) < l.config.MinAPs && len(scan.CellTowers) == 0 {
		return nil, fmt.Errorf("%w: %d access points", errInsufficientData, len(scan.AccessPoints))
	}

	sig := scan.Signature()
	now := time.Now()

	l.mu.Lock()
	if l.cached != nil && sig == l.signature && now.Sub(l.cachedAt) < l.config.CacheTTL {
		fix := *l.cached
		fix.Timestamp = now
		l.cacheHits++
		l.mu.Unlock()
		l.logger.Trace("google_cache_hit", "age", now.Sub(l.cachedAt).String())
		return &fix, nil
	}
	l.mu.Unlock()

	req := &maps.GeolocationRequest{
		ConsiderIP:       false,
		WiFiAccessPoints: scan.AccessPoints,
		CellTowers:       scan.CellTowers,
		RadioType:        scan.RadioType,
	}
	if len(scan.CellTowers) > 0 {
		req.HomeMobileCountryCode = scan.CellTowers[0].MobileCountryCode
		req.HomeMobileNetworkCode = scan.CellTowers[0].MobileNetworkCode
	}

	resp, err := l.api.Geolocate(ctx, req)
	if err != nil {
		l.logger.Warn("google_geolocate_failed", "error", err)
		return nil, fmt.Errorf("google geolocation: %w", err)
	}

	fix := &gps.PositionFix{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  resp.Accuracy,
		Timestamp: now,
		Provider:  gps.ProviderFusedNetwork,
		FixType:   gps.Fix2D,
	}
	if !fix.Valid() || resp.Accuracy <= 0 {
		return nil, fmt.Errorf("%w: google returned (%f, %f) ±%f", gps.ErrMalformedPayload, fix.Latitude, fix.Longitude, resp.Accuracy)
	}

	l.mu.Lock()
	l.signature = sig
	cached := *fix
	l.cached = &cached
	l.cachedAt = now
	l.apiCalls++
	l.mu.Unlock()

	l.logger.Debug("google_location", "accuracy", resp.Accuracy,
		"wifi_aps", len(scan.AccessPoints), "cell_towers", len(scan.CellTowers))
	return fix, nil
}

// Stats returns API calls made and cache hits served
func (l *Locator) Stats() (apiCalls, cacheHits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apiCalls, l.cacheHits
}
