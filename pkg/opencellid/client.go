package opencellid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/cellular"
)

// Config for OpenCellID cell lookups
type Config struct {
	APIKey            string        `json:"api_key"`
	BaseURL           string        `json:"base_url"`
	Timeout           time.Duration `json:"timeout"`
	CacheTTL          time.Duration `json:"cache_ttl"`
	NegativeTTL       time.Duration `json:"negative_ttl"`
	MaxLookupsPerHour int           `json:"max_lookups_per_hour"`
	DefaultRange      float64       `json:"default_range"` // Meters, when the database has no range
}

func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://opencellid.org/cell/get",
		Timeout:           15 * time.Second,
		CacheTTL:          7 * 24 * time.Hour,
		NegativeTTL:       12 * time.Hour,
		MaxLookupsPerHour: 30,
		DefaultRange:      2000,
	}
}

// ErrCellNotFound means the database has no position for the cell
var ErrCellNotFound = errors.New("cell not in OpenCellID")

// CellLocation is the database position of one cell tower
type CellLocation struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Range     float64 `json:"range"`
	Samples   int     `json:"samples"`
}

// Lookuper resolves a cell to a position
type Lookuper interface {
	Lookup(ctx context.Context, cell cellular.ServingCell) (*CellLocation, error)
}

type cellResponse struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Range   float64 `json:"range"`
	Samples int     `json:"samples"`
	Error   string  `json:"error,omitempty"`
	Code    int     `json:"code,omitempty"`
}

// Client queries the OpenCellID cell/get endpoint
type Client struct {
	config *Config
	http   *http.Client
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIKey == "" {
		return nil, errors.New("opencellid requires an API key")
	}
	return &Client{config: config, http: &http.Client{Timeout: config.Timeout}}, nil
}

func (c *Client) Lookup(ctx context.Context, cell cellular.ServingCell) (*CellLocation, error) {
	params := url.Values{}
	params.Set("key", c.config.APIKey)
	params.Set("mcc", strconv.Itoa(cell.MCC))
	params.Set("mnc", strconv.Itoa(cell.MNC))
	params.Set("lac", strconv.Itoa(cell.TAC))
	params.Set("cellid", strconv.Itoa(cell.CellID))
	params.Set("radio", cell.Radio)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opencellid request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCellNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opencellid HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r cellResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if r.Error != "" {
		// Code 1 is "cell not found"; anything else is a key or quota problem
		if r.Code == 1 || strings.Contains(strings.ToLower(r.Error), "not found") {
			return nil, ErrCellNotFound
		}
		return nil, fmt.Errorf("opencellid API error: %s", r.Error)
	}
	return &CellLocation{Latitude: r.Lat, Longitude: r.Lon, Range: r.Range, Samples: r.Samples}, nil
}
