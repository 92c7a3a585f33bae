package uci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/logx"
	"github.com/markus-lassfolk/locationd/pkg/ubus"
)

const packageName = "locationd"

// UCI reads the locationd package through the uci command line tool
type UCI struct {
	runner ubus.Runner
	logger *logx.Logger
}

// NewUCI creates a UCI client; a nil runner runs uci locally
func NewUCI(runner ubus.Runner, logger *logx.Logger) *UCI {
	if runner == nil {
		runner = ubus.LocalRunner{}
	}
	return &UCI{runner: runner, logger: logger}
}

// LoadConfig loads and validates the configuration from `uci export`
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	text, err := u.export(ctx)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig()
	if err := cfg.Parse(text); err != nil {
		return nil, fmt.Errorf("failed to parse uci export: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	for _, w := range cfg.Warnings() {
		u.logger.Warn("uci_option_ignored", "section", w.Section, "option", w.Option, "reason", w.Message)
	}
	return cfg, nil
}

// ConfigHash fingerprints the exported package for change detection
func (u *UCI) ConfigHash(ctx context.Context) (string, error) {
	text, err := u.export(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

// WatchConfig polls the package and calls callback after every change
// until ctx ends
func (u *UCI) WatchConfig(ctx context.Context, interval time.Duration, callback func()) error {
	initialHash, err := u.ConfigHash(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			currentHash, err := u.ConfigHash(ctx)
			if err != nil {
				u.logger.Debug("config_hash_failed", "error", err)
				continue
			}
			if currentHash != initialHash {
				u.logger.Info("config_changed")
				callback()
				initialHash = currentHash
			}
		}
	}
}

func (u *UCI) export(ctx context.Context) (string, error) {
	out, err := u.runner.Run(ctx, "uci", "export", packageName)
	if err != nil {
		return "", fmt.Errorf("uci export %s: %w", packageName, err)
	}
	return string(out), nil
}
