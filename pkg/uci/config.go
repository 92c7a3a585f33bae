package uci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/api"
	"github.com/markus-lassfolk/locationd/pkg/google"
	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/gpsctl"
	"github.com/markus-lassfolk/locationd/pkg/journal"
	"github.com/markus-lassfolk/locationd/pkg/mqtt"
	"github.com/markus-lassfolk/locationd/pkg/nmea"
	"github.com/markus-lassfolk/locationd/pkg/opencellid"
	"github.com/markus-lassfolk/locationd/pkg/starlink"
	"github.com/markus-lassfolk/locationd/pkg/ubus"
)

// Native backend choices
const (
	NativeNMEA = "nmea"
	NativeMQTT = "mqtt"
	NativeNone = "none"
)

// Fused locator choices
const (
	FusedGoogle     = "google"
	FusedStarlink   = "starlink"
	FusedOpenCellID = "opencellid"
)

const DefaultConfigPath = "/etc/config/locationd"

// Config is the complete locationd configuration
type Config struct {
	// Core daemon control
	Enable   bool   `json:"enable"`
	LogLevel string `json:"log_level"`
	StateDir string `json:"state_dir"`
	PIDFile  string `json:"pid_file"`

	// Backend selection
	NativeBackend   string        `json:"native_backend"`
	FusedBackends   []string      `json:"fused_backends"`
	StandardEnabled bool          `json:"standard_enabled"`
	FusedPoll       time.Duration `json:"fused_poll"`
	StandardPoll    time.Duration `json:"standard_poll"`

	Coordinator *gps.CoordinatorConfig `json:"coordinator"`

	NMEA       *nmea.Config       `json:"nmea"`
	MQTT       *mqtt.Config       `json:"mqtt"`
	Google     *google.Config     `json:"google"`
	Starlink   *starlink.Config   `json:"starlink"`
	OpenCellID *opencellid.Config `json:"opencellid"`
	Gpsctl     *gpsctl.Config     `json:"gpsctl"`
	SSH        *ubus.SSHConfig    `json:"ssh,omitempty"` // nil runs commands locally
	Journal    *journal.Config    `json:"journal"`
	API        *api.Config        `json:"api"`

	// tiers seen in the file, in order; they replace the defaults when present
	tiers    []gps.Tier
	problems []ValidationError
}

// LoadConfig reads and validates a UCI file. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Parse(string(data)); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// NewConfig returns a configuration holding only defaults
func NewConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = "info"
	c.StateDir = "/var/lib/locationd"
	c.PIDFile = "/var/run/locationd.pid"
	c.NativeBackend = NativeNMEA
	c.FusedBackends = []string{FusedStarlink}
	c.StandardEnabled = true
	c.FusedPoll = 10 * time.Second
	c.StandardPoll = 30 * time.Second

	c.Coordinator = gps.DefaultCoordinatorConfig()
	c.NMEA = nmea.DefaultConfig()
	c.MQTT = mqtt.DefaultConfig()
	c.MQTT.Enabled = false
	c.Google = google.DefaultConfig()
	c.Starlink = starlink.DefaultConfig()
	c.OpenCellID = opencellid.DefaultConfig()
	c.Gpsctl = gpsctl.DefaultConfig()
	c.Journal = journal.DefaultConfig()
	c.Journal.DatabasePath = filepath.Join(c.StateDir, "journal.db")
	c.API = api.DefaultConfig()
}

// LastKnownPath is where the last-known fix database lives
func (c *Config) LastKnownPath() string {
	return filepath.Join(c.StateDir, "lastknown.db")
}

// CellCachePath is where resolved OpenCellID cells are kept
func (c *Config) CellCachePath() string {
	return filepath.Join(c.StateDir, "cells.db")
}

// Parse applies UCI text (as written in /etc/config or printed by
// `uci export`) on top of the current values
func (c *Config) Parse(text string) error {
	var sectionType, sectionName string
	var fusedSeen bool

	for n, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "package ") {
			continue
		}

		fields, err := splitFields(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}

		switch fields[0] {
		case "config":
			if len(fields) < 2 {
				return fmt.Errorf("line %d: config without a type", n+1)
			}
			sectionType = fields[1]
			sectionName = ""
			if len(fields) >= 3 {
				sectionName = fields[2]
			}
			if sectionType == "tier" {
				c.tiers = append(c.tiers, gps.Tier{})
			}
		case "option", "list":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: %s without a value", n+1, fields[0])
			}
			if sectionType == "" {
				return fmt.Errorf("line %d: %s outside a section", n+1, fields[0])
			}
			// the first fused_backend list entry replaces the default list
			if sectionType == "locationd" && fields[1] == "fused_backend" && !fusedSeen {
				c.FusedBackends = nil
				fusedSeen = true
			}
			c.parseOption(n+1, sectionType, sectionName, fields[1], fields[2])
		default:
			return fmt.Errorf("line %d: unexpected keyword %q", n+1, fields[0])
		}
	}

	if len(c.tiers) > 0 {
		c.Coordinator.Tiers = c.tiers
		c.tiers = nil
	}
	return nil
}

// splitFields splits a UCI line into words honoring single and double quotes
func splitFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	var quote rune
	inField := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t':
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		case r == '#' && !inField:
			return fields, nil
		default:
			cur.WriteRune(r)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

// parseOption routes options to the parser for their section type
func (c *Config) parseOption(line int, sectionType, sectionName, option, value string) {
	p := optionParser{config: c, line: line, section: sectionType, option: option, value: value}
	switch sectionType {
	case "locationd":
		if sectionName == "main" || sectionName == "" {
			c.parseMainOption(&p)
		}
	case "tier":
		c.parseTierOption(&p, &c.tiers[len(c.tiers)-1])
	case "nmea":
		c.parseNMEAOption(&p)
	case "mqtt":
		c.parseMQTTOption(&p)
	case "google":
		c.parseGoogleOption(&p)
	case "starlink":
		c.parseStarlinkOption(&p)
	case "opencellid":
		c.parseOpenCellIDOption(&p)
	case "gpsctl":
		c.parseGpsctlOption(&p)
	case "journal":
		c.parseJournalOption(&p)
	case "api":
		c.parseAPIOption(&p)
	default:
		c.warnf(&p, "unknown section type")
	}
}

func (c *Config) parseMainOption(p *optionParser) {
	switch p.option {
	case "enable":
		c.Enable = p.bool()
	case "log_level":
		c.LogLevel = p.value
	case "state_dir":
		c.StateDir = p.value
		c.Journal.DatabasePath = filepath.Join(c.StateDir, "journal.db")
	case "pid_file":
		c.PIDFile = p.value
	case "native_backend":
		c.NativeBackend = p.value
	case "fused_backend":
		c.FusedBackends = append(c.FusedBackends, p.value)
	case "standard_backend":
		c.StandardEnabled = p.bool()
	case "fused_poll":
		p.duration(&c.FusedPoll)
	case "standard_poll":
		p.duration(&c.StandardPoll)
	case "update_interval":
		p.duration(&c.Coordinator.UpdateInterval)
	case "history_size":
		p.int(&c.Coordinator.HistorySize)
	case "stop_timeout":
		p.duration(&c.Coordinator.StopTimeout)
	case "initialize_timeout":
		p.duration(&c.Coordinator.InitializeTimeout)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseTierOption(p *optionParser, t *gps.Tier) {
	switch p.option {
	case "provider":
		v, ok := gps.ParseProvider(p.value)
		if !ok {
			c.failf(p, "unknown provider")
			return
		}
		t.Provider = v
	case "min_satellites":
		p.int(&t.Criteria.MinSatellites)
	case "min_snr":
		p.float(&t.Criteria.MinSNR)
	case "max_accuracy":
		p.float(&t.Criteria.MaxAccuracy)
	case "fix_type":
		ft, ok := parseFixType(p.value)
		if !ok {
			c.failf(p, "unknown fix type")
			return
		}
		t.Criteria.FixTypes = append(t.Criteria.FixTypes, ft)
	case "deadline":
		p.duration(&t.Deadline)
	case "window":
		p.duration(&t.Window)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseNMEAOption(p *optionParser) {
	switch p.option {
	case "port":
		c.NMEA.Port = p.value
	case "baud_rate":
		var v int
		if p.int(&v) && v > 0 {
			c.NMEA.BaudRate = uint(v)
		}
	case "uere":
		p.float(&c.NMEA.UERE)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseMQTTOption(p *optionParser) {
	switch p.option {
	case "enabled":
		c.MQTT.Enabled = p.bool()
	case "broker":
		c.MQTT.Broker = p.value
	case "port":
		p.int(&c.MQTT.Port)
	case "client_id":
		c.MQTT.ClientID = p.value
	case "username":
		c.MQTT.Username = p.value
	case "password":
		c.MQTT.Password = p.value
	case "topic_prefix":
		c.MQTT.TopicPrefix = p.value
	case "qos":
		p.int(&c.MQTT.QoS)
	case "retain":
		c.MQTT.Retain = p.bool()
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseGoogleOption(p *optionParser) {
	switch p.option {
	case "api_key":
		c.Google.APIKey = p.value
	case "wifi_device":
		c.Google.WiFiDevice = p.value
	case "cellular":
		c.Google.Cellular = p.bool()
	case "min_aps":
		p.int(&c.Google.MinAPs)
	case "cache_ttl":
		p.duration(&c.Google.CacheTTL)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseStarlinkOption(p *optionParser) {
	switch p.option {
	case "host":
		c.Starlink.Host = p.value
	case "port":
		p.int(&c.Starlink.Port)
	case "timeout":
		p.duration(&c.Starlink.Timeout)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseOpenCellIDOption(p *optionParser) {
	switch p.option {
	case "api_key":
		c.OpenCellID.APIKey = p.value
	case "base_url":
		c.OpenCellID.BaseURL = p.value
	case "timeout":
		p.duration(&c.OpenCellID.Timeout)
	case "cache_ttl":
		p.duration(&c.OpenCellID.CacheTTL)
	case "negative_ttl":
		p.duration(&c.OpenCellID.NegativeTTL)
	case "max_lookups_per_hour":
		p.int(&c.OpenCellID.MaxLookupsPerHour)
	case "default_range":
		p.float(&c.OpenCellID.DefaultRange)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseGpsctlOption(p *optionParser) {
	if strings.HasPrefix(p.option, "ssh_") {
		if c.SSH == nil {
			c.SSH = ubus.DefaultSSHConfig()
		}
	}
	switch p.option {
	case "use_at_fallback":
		c.Gpsctl.UseATFallback = p.bool()
	case "uere":
		p.float(&c.Gpsctl.UERE)
	case "max_last_known":
		p.duration(&c.Gpsctl.MaxLastKnown)
	case "ssh_host":
		c.SSH.Host = p.value
	case "ssh_port":
		p.int(&c.SSH.Port)
	case "ssh_user":
		c.SSH.User = p.value
	case "ssh_password":
		c.SSH.Password = p.value
	case "ssh_key_file":
		c.SSH.KeyFile = p.value
	case "ssh_known_hosts":
		c.SSH.KnownHosts = p.value
	case "ssh_timeout":
		p.duration(&c.SSH.Timeout)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseJournalOption(p *optionParser) {
	switch p.option {
	case "database_path":
		c.Journal.DatabasePath = p.value
	case "retention_days":
		p.int(&c.Journal.RetentionDays)
	case "max_entries":
		p.int(&c.Journal.MaxEntries)
	default:
		c.warnf(p, "unknown option")
	}
}

func (c *Config) parseAPIOption(p *optionParser) {
	switch p.option {
	case "enabled":
		c.API.Enabled = p.bool()
	case "listen":
		c.API.Listen = p.value
	case "auth_token":
		c.API.AuthToken = p.value
	case "allowed_origin":
		c.API.AllowedOrigins = append(c.API.AllowedOrigins, p.value)
	default:
		c.warnf(p, "unknown option")
	}
}

func parseFixType(s string) (gps.FixType, bool) {
	switch strings.ToLower(s) {
	case "2d", "2":
		return gps.Fix2D, true
	case "3d", "3":
		return gps.Fix3D, true
	case "dead_reckoning", "dr":
		return gps.FixDeadReckoning, true
	}
	return gps.FixNone, false
}

// optionParser converts one option value, recording a problem on failure
type optionParser struct {
	config  *Config
	line    int
	section string
	option  string
	value   string
}

func (p *optionParser) bool() bool {
	switch strings.ToLower(p.value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled":
		return false
	}
	p.config.failf(p, "not a boolean")
	return false
}

func (p *optionParser) int(dst *int) bool {
	v, err := strconv.Atoi(p.value)
	if err != nil {
		p.config.failf(p, "not an integer")
		return false
	}
	*dst = v
	return true
}

func (p *optionParser) float(dst *float64) {
	v, err := strconv.ParseFloat(p.value, 64)
	if err != nil {
		p.config.failf(p, "not a number")
		return
	}
	*dst = v
}

// duration accepts plain seconds ("30") or a Go duration ("1m30s")
func (p *optionParser) duration(dst *time.Duration) {
	if secs, err := strconv.ParseFloat(p.value, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(p.value)
	if err != nil {
		p.config.failf(p, "not a duration")
		return
	}
	*dst = d
}

func (c *Config) failf(p *optionParser, msg string) {
	c.problems = append(c.problems, ValidationError{
		Section: p.section, Option: p.option, Value: p.value, Message: msg, Line: p.line,
	})
}

func (c *Config) warnf(p *optionParser, msg string) {
	c.problems = append(c.problems, ValidationError{
		Section: p.section, Option: p.option, Value: p.value, Message: msg, Line: p.line, Warning: true,
	})
}
