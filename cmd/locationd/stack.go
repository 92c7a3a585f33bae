package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/api"
	"github.com/markus-lassfolk/locationd/pkg/google"
	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/gpsctl"
	"github.com/markus-lassfolk/locationd/pkg/journal"
	"github.com/markus-lassfolk/locationd/pkg/lastknown"
	"github.com/markus-lassfolk/locationd/pkg/logx"
	"github.com/markus-lassfolk/locationd/pkg/mqtt"
	"github.com/markus-lassfolk/locationd/pkg/nmea"
	"github.com/markus-lassfolk/locationd/pkg/opencellid"
	"github.com/markus-lassfolk/locationd/pkg/starlink"
	"github.com/markus-lassfolk/locationd/pkg/ubus"
	"github.com/markus-lassfolk/locationd/pkg/uci"
)

// stack is everything one configuration builds: sources, the coordinator
// and the event consumers
type stack struct {
	cfg    *uci.Config
	logger *logx.Logger

	runner      ubus.Runner
	mqtt        *mqtt.Client
	lastKnown   *lastknown.Store
	journal     *journal.Journal
	sources     []gps.PositionSource
	coordinator *gps.Coordinator
	api         *api.Server

	consumers sync.WaitGroup
	closers   []func() error
}

func buildStack(cfg *uci.Config, logger *logx.Logger) (*stack, error) {
	st := &stack{cfg: cfg, logger: logger}

	if cfg.SSH != nil {
		ssh := ubus.NewSSHRunner(cfg.SSH, logger)
		st.runner = ssh
		st.closers = append(st.closers, ssh.Close)
	} else {
		st.runner = ubus.LocalRunner{}
	}

	if store, err := lastknown.Open(cfg.LastKnownPath(), logger); err != nil {
		logger.Warn("last_known_unavailable", "error", err)
	} else {
		st.lastKnown = store
		st.closers = append(st.closers, store.Close)
	}

	if cfg.MQTT.Enabled {
		st.mqtt = mqtt.NewClient(cfg.MQTT, logger)
		if err := st.mqtt.Connect(); err != nil {
			logger.Warn("mqtt_connect_failed", "error", err)
		}
		st.closers = append(st.closers, func() error { st.mqtt.Disconnect(); return nil })
	}

	if native := st.nativeSource(); native != nil {
		st.sources = append(st.sources, native)
	}
	if fused := st.fusedSource(); fused != nil {
		st.sources = append(st.sources, fused)
	}
	if cfg.StandardEnabled {
		var lk gpsctl.LastKnown
		if st.lastKnown != nil {
			lk = st.lastKnown
		}
		backend := gpsctl.NewBackend(st.runner, cfg.Gpsctl, lk, logger)
		st.sources = append(st.sources, gps.NewStandardSource("gpsctl", backend, cfg.StandardPoll, logger))
	}
	for _, src := range st.sources {
		st.closers = append(st.closers, src.Close)
	}

	coordinator, err := gps.NewCoordinator(cfg.Coordinator, st.sources, logger)
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	st.coordinator = coordinator
	return st, nil
}

func (st *stack) nativeSource() gps.PositionSource {
	switch st.cfg.NativeBackend {
	case uci.NativeNMEA:
		return gps.NewNativeSource("nmea", nmea.NewReceiver(st.cfg.NMEA, st.logger), st.logger)
	case uci.NativeMQTT:
		if st.mqtt == nil {
			return nil
		}
		return gps.NewNativeSource("mqtt", mqtt.NewNativeBridge(st.mqtt, st.logger), st.logger)
	}
	return nil
}

func (st *stack) fusedSource() gps.PositionSource {
	var chain gps.LocatorChain
	for _, name := range st.cfg.FusedBackends {
		switch name {
		case uci.FusedStarlink:
			client := starlink.NewClient(st.cfg.Starlink, st.logger)
			chain = append(chain, starlink.NewLocator(client, st.logger))
		case uci.FusedGoogle:
			maps, err := google.NewClient(st.cfg.Google)
			if err != nil {
				st.logger.Warn("google_locator_disabled", "error", err)
				continue
			}
			scanner := google.NewRouterScanner(ubus.NewClient(st.runner), st.cfg.Google.WiFiDevice, st.cfg.Google.Cellular)
			chain = append(chain, google.NewLocator(st.cfg.Google, maps, scanner, st.logger))
		case uci.FusedOpenCellID:
			client, err := opencellid.NewClient(st.cfg.OpenCellID)
			if err != nil {
				st.logger.Warn("opencellid_locator_disabled", "error", err)
				continue
			}
			chain = append(chain, opencellid.NewLocator(st.cfg.OpenCellID, client, st.runner, st.cellCache(), st.logger))
		}
	}
	if len(chain) == 0 {
		return nil
	}
	backend := gps.NewPolledFusedBackend("fused", chain, st.cfg.FusedPoll, 15*time.Second, st.logger)
	return gps.NewFusedSource("fused", backend, st.logger)
}

// cellCache opens the OpenCellID cache, dropping expired cells. Lookups
// go uncached when it cannot be opened.
func (st *stack) cellCache() *opencellid.Cache {
	cache, err := opencellid.OpenCache(st.cfg.CellCachePath())
	if err != nil {
		st.logger.Warn("cell_cache_unavailable", "path", st.cfg.CellCachePath(), "error", err)
		return nil
	}
	st.closers = append(st.closers, cache.Close)
	if n, err := cache.Prune(time.Now()); err != nil {
		st.logger.Warn("cell_cache_prune_failed", "error", err)
	} else if n > 0 {
		st.logger.Debug("cell_cache_pruned", "removed", n)
	}
	return cache
}

// startConsumers attaches persistence and publishing to the event stream
func (st *stack) startConsumers() {
	if st.lastKnown != nil {
		events, _ := st.coordinator.Subscribe()
		st.consume(func() { st.lastKnown.Record(events) })
	}

	if j, err := journal.Open(st.cfg.Journal, st.logger); err != nil {
		st.logger.Warn("journal_unavailable", "error", err)
	} else {
		st.journal = j
		events, _ := st.coordinator.Subscribe()
		st.consume(func() { j.Record(events) })
	}

	if st.mqtt != nil {
		publisher := mqtt.NewEventPublisher(st.mqtt, st.logger)
		events, _ := st.coordinator.Subscribe()
		st.consume(func() { publisher.Run(events) })
	}
}

func (st *stack) consume(fn func()) {
	st.consumers.Add(1)
	go func() {
		defer st.consumers.Done()
		fn()
	}()
}

func (st *stack) startAPI() error {
	var sessions api.SessionJournal
	if st.journal != nil {
		sessions = st.journal
	}
	st.api = api.NewServer(st.coordinator, sessions, st.cfg.API, st.logger)
	return st.api.Start()
}

// close shuts down in dependency order: the API, the coordinator (which
// ends the event stream and so the consumers), then sources and stores
func (st *stack) close() {
	if st.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.api.Stop(ctx); err != nil {
			st.logger.Warn("api_stop_failed", "error", err)
		}
		cancel()
	}
	if st.coordinator != nil {
		st.coordinator.Close()
	}
	st.consumers.Wait()
	if st.journal != nil {
		st.journal.Close()
	}
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			st.logger.Debug("close_failed", "error", err)
		}
	}
	st.closers = nil
}
