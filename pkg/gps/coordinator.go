package gps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

type sessionMode int

const (
	modeOneShot sessionMode = iota
	modeTracking
)

func (m sessionMode) String() string {
	if m == modeTracking {
		return "tracking"
	}
	return "oneshot"
}

// session is one acquisition pass. All of its fields except done are owned
// by the goroutine running it.
type session struct {
	id       string
	mode     sessionMode
	tiers    []Tier
	tracking TrackingConfig
	deadline time.Time // One-shot budget, zero for tracking

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	best     *PositionFix
	result   *PositionFix
	err      error
	stopping bool // Guarded by Coordinator.mu
}

// activeSource is the one started source of a session
type activeSource struct {
	provider    Provider
	src         PositionSource
	events      <-chan SourceEvent
	unsubscribe func()
}

// Coordinator sequences positioning sources through an ordered list of
// tiers. Every state mutation happens on the goroutine of the running
// session; callers only read snapshots through the accessors.
type Coordinator struct {
	config  CoordinatorConfig
	sources map[Provider]PositionSource
	logger  *logx.Logger
	events  *hub[Event]
	tracker *AccuracyTracker

	mu          sync.RWMutex
	state       State
	session     *session
	provider    Provider
	hasProvider bool
	current     *PositionFix
	lastStatus  *GnssStatus
	lastReason  string
	lastSwitch  time.Time
	ttff        time.Duration
	available   map[Provider]bool
	closed      bool
}

// NewCoordinator validates the configuration and binds one source per provider
func NewCoordinator(config *CoordinatorConfig, sources []PositionSource, logger *logx.Logger) (*Coordinator, error) {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	cfg := config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	byProvider := make(map[Provider]PositionSource, len(sources))
	for _, src := range sources {
		if src == nil {
			continue
		}
		if _, dup := byProvider[src.Provider()]; dup {
			return nil, fmt.Errorf("%w: more than one source for %s", ErrInvalidConfig, src.Provider())
		}
		byProvider[src.Provider()] = src
	}
	for i, tier := range cfg.Tiers {
		if _, ok := byProvider[tier.Provider]; !ok {
			return nil, fmt.Errorf("%w: tier %d needs a %s source", ErrInvalidConfig, i, tier.Provider)
		}
	}

	c := &Coordinator{
		config:    cfg,
		sources:   byProvider,
		logger:    logger,
		events:    newHub[Event](),
		tracker:   NewAccuracyTracker(cfg.HistorySize),
		state:     State{Kind: StateIdle},
		available: make(map[Provider]bool),
	}

	tiers := make([]string, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, t.Provider.String())
	}
	logger.Info("coordinator_created", "tiers", tiers, "history_size", cfg.HistorySize)

	return c, nil
}

// Initialize prepares every configured source and reports whether at least
// one is usable. Backend errors are logged and count as unavailable.
func (c *Coordinator) Initialize(ctx context.Context) (bool, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}

	anyAvailable := false
	for _, tier := range c.config.Tiers {
		ok := c.initializeSource(ctx, c.sources[tier.Provider])
		anyAvailable = anyAvailable || ok
	}
	return anyAvailable, nil
}

func (c *Coordinator) initializeSource(ctx context.Context, src PositionSource) bool {
	p := src.Provider()

	c.mu.RLock()
	ok, known := c.available[p]
	c.mu.RUnlock()
	if known && ok {
		return true
	}

	initCtx, cancel := context.WithTimeout(ctx, c.config.InitializeTimeout)
	defer cancel()

	ok, err := src.Initialize(initCtx)
	if err != nil {
		c.logger.Warn("source_initialize_failed", "provider", p.String(), "error", err)
		ok = false
	}

	c.mu.Lock()
	c.available[p] = ok
	c.mu.Unlock()

	if ok {
		c.logger.Info("source_initialized", "provider", p.String())
	} else {
		c.logger.Warn("source_unavailable", "provider", p.String())
	}
	return ok
}

// forgetAvailability makes the next use of p initialize its source again,
// so a backend that failed hard can recover without a restart
func (c *Coordinator) forgetAvailability(p Provider) {
	c.mu.Lock()
	delete(c.available, p)
	c.mu.Unlock()
}

// Subscribe attaches to the ordered event stream
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// GetCurrentPosition runs one acquisition pass and returns the accepted fix,
// or the best fix seen when no tier accepted. It fails with ErrNoFixAcquired
// only when no fix was observed at all. A non-positive timeout allows the
// sum of the tier deadlines.
func (c *Coordinator) GetCurrentPosition(ctx context.Context, timeout time.Duration, hints QualityHints) (*PositionFix, error) {
	if timeout <= 0 {
		for _, t := range c.config.Tiers {
			timeout += t.Deadline
		}
	}

	c.mu.RLock()
	if c.session != nil && c.session.mode == modeTracking && c.current != nil {
		fix := *c.current
		c.mu.RUnlock()
		return &fix, nil
	}
	c.mu.RUnlock()

	s, err := c.begin(ctx, modeOneShot, hints, TrackingConfig{
		Interval:     c.config.UpdateInterval,
		HighAccuracy: hints.HighAccuracy,
	})
	if err != nil {
		return nil, err
	}
	s.deadline = time.Now().Add(timeout)

	go c.run(s)
	<-s.done

	if s.err != nil {
		return nil, s.err
	}
	fix := *s.result
	return &fix, nil
}

// StartTracking launches continuous tracking. It returns once the session is
// running; progress is reported on the event stream.
func (c *Coordinator) StartTracking(ctx context.Context, interval time.Duration, hints QualityHints) (bool, error) {
	if interval <= 0 {
		interval = c.config.UpdateInterval
	}
	s, err := c.begin(context.WithoutCancel(ctx), modeTracking, hints, TrackingConfig{
		Interval:     interval,
		HighAccuracy: hints.HighAccuracy,
	})
	if err != nil {
		return false, err
	}
	go c.run(s)
	return true, nil
}

// StopTracking cancels the tracking session and waits until its source is
// stopped. It returns false when there was nothing to stop.
func (c *Coordinator) StopTracking() bool {
	c.mu.Lock()
	s := c.session
	if s == nil || s.mode != modeTracking || s.stopping {
		c.mu.Unlock()
		if s != nil && s.mode == modeTracking {
			<-s.done
		}
		return false
	}
	s.stopping = true
	c.mu.Unlock()

	s.cancel()
	<-s.done
	return true
}

// Close stops any running session and ends the event stream
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	if s != nil {
		s.stopping = true
	}
	c.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
	c.events.Close()
	return nil
}

func (c *Coordinator) begin(parent context.Context, mode sessionMode, hints QualityHints, tc TrackingConfig) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil {
		return nil, ErrSessionActive
	}

	tiers := make([]Tier, len(c.config.Tiers))
	for i, t := range c.config.Tiers {
		t.Criteria = t.Criteria.withHints(hints, t.Provider == ProviderNativeGNSS)
		tiers[i] = t
	}

	ctx, cancel := context.WithCancel(parent)
	s := &session{
		id:       uuid.NewString(),
		mode:     mode,
		tiers:    tiers,
		tracking: tc,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.session = s
	c.current = nil
	c.lastStatus = nil
	c.tracker.Reset()
	return s, nil
}

// run drives the state machine of one session to a terminal state
func (c *Coordinator) run(s *session) {
	defer close(s.done)
	defer c.endSession(s)
	defer s.cancel()

	log := c.logger.With("session", s.id, "mode", s.mode.String())
	log.Info("session_started", "tiers", len(s.tiers))

	if s.mode == modeTracking {
		c.emit(s, Event{Type: EventTrackingStarted, Provider: s.tiers[0].Provider})
	}

	idx := 0
	for {
		tier := s.tiers[idx]

		active, reason := c.startTier(s, idx)
		var outcome TierOutcome
		if active == nil {
			outcome = TierOutcome{Kind: OutcomeAborted, Reason: reason, Err: ErrBackendUnavailable}
			if s.ctx.Err() != nil {
				outcome.Kind = OutcomeCancelled
			}
		} else {
			outcome = NewTierTimer(c.tierDeadline(s, tier)).Run(s.ctx, active.events, c.judge(s, tier))
		}
		tierAttemptsTotal.WithLabelValues(tier.Provider.String(), outcome.Kind.String()).Inc()
		log.Debug("tier_resolved", "tier", idx, "provider", tier.Provider.String(),
			"outcome", outcome.Kind.String(), "reason", outcome.Reason)

		hardError := false
		switch outcome.Kind {
		case OutcomeCancelled:
			c.stopActive(active)
			c.finishCancelled(s)
			return

		case OutcomeAccepted:
			c.accept(s, idx, outcome.Fix)
			if s.mode == modeOneShot {
				c.stopActive(active)
				c.complete(s, outcome.Fix, "accepted by "+tier.Provider.String())
				return
			}
			res := c.track(s, idx, active, outcome.Status)
			if res.cancelled {
				c.stopActive(active)
				c.finishCancelled(s)
				return
			}
			reason = res.reason
			hardError = res.hardError

		default:
			reason = outcome.Reason
		}
		if hardError || outcome.Kind == OutcomeAborted {
			c.forgetAvailability(tier.Provider)
		}

		// The old source is fully stopped before the next one starts.
		c.stopActive(active)

		if idx+1 >= len(s.tiers) {
			c.exhaust(s, reason, hardError)
			return
		}
		if s.mode == modeOneShot && !time.Now().Before(s.deadline) {
			c.exhaust(s, reason+"; request timeout elapsed", hardError)
			return
		}
		c.switchProvider(s, idx, idx+1, reason)
		idx++
	}
}

func (c *Coordinator) tierDeadline(s *session, tier Tier) time.Duration {
	d := tier.Deadline
	if s.mode == modeOneShot {
		if remaining := time.Until(s.deadline); remaining < d {
			d = remaining
		}
		if d <= 0 {
			d = time.Millisecond
		}
	}
	return d
}

// startTier initializes, subscribes to and starts the tier's source. A nil
// result carries the reason the tier could not start.
func (c *Coordinator) startTier(s *session, idx int) (*activeSource, string) {
	tier := s.tiers[idx]
	src := c.sources[tier.Provider]

	c.setState(State{Kind: StateAcquiring, Tier: idx, Provider: tier.Provider})
	c.mu.Lock()
	c.provider = tier.Provider
	c.hasProvider = true
	c.mu.Unlock()

	if !c.initializeSource(s.ctx, src) {
		return nil, tier.Provider.String() + " unavailable"
	}
	if s.ctx.Err() != nil {
		return nil, "cancelled"
	}

	// Subscribe first so nothing emitted right after start is missed.
	events, unsubscribe := src.Subscribe()
	started, err := src.StartTracking(s.ctx, s.tracking)
	if err != nil {
		unsubscribe()
		c.logger.Warn("source_start_failed", "provider", tier.Provider.String(), "error", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
		_ = src.StopTracking(stopCtx)
		cancel()
		return nil, fmt.Sprintf("%s failed to start: %v", tier.Provider, err)
	}
	if !started {
		unsubscribe()
		return nil, tier.Provider.String() + " refused to start"
	}

	return &activeSource{
		provider:    tier.Provider,
		src:         src,
		events:      events,
		unsubscribe: unsubscribe,
	}, ""
}

func (c *Coordinator) stopActive(a *activeSource) {
	if a == nil {
		return
	}
	a.unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()
	if err := a.src.StopTracking(ctx); err != nil {
		c.logger.Warn("source_stop_failed", "provider", a.provider.String(), "error", err)
	}
}

// judge builds the acceptance function for one tier attempt
func (c *Coordinator) judge(s *session, tier Tier) Judge {
	var lastStatus *GnssStatus

	return func(ev SourceEvent) Judgement {
		switch ev.Kind {
		case SourceFix:
			if !ev.Fix.Valid() {
				return Judgement{Reason: "invalid coordinates"}
			}
			c.observe(s, ev.Fix)
			ok, why := Check(Observation{Provider: tier.Provider, Fix: ev.Fix, Status: lastStatus}, tier.Criteria)
			return Judgement{Accept: ok, Fix: ev.Fix, Status: lastStatus, Reason: why}

		case SourceStatus:
			if ev.Status == nil {
				return Judgement{}
			}
			lastStatus = ev.Status
			c.publishStatus(s, tier.Provider, ev.Status)

			fix := ev.Status.Fix
			if fix != nil && !fix.Valid() {
				fix = nil
			}
			if fix != nil {
				c.observe(s, fix)
			}
			ok, why := Check(Observation{Provider: tier.Provider, Fix: fix, Status: ev.Status}, tier.Criteria)
			return Judgement{Accept: ok && fix != nil, Fix: fix, Status: ev.Status, Reason: why}

		case SourceError:
			if ev.Fatal {
				return Judgement{Abort: true, Reason: fmt.Sprintf("%s error: %v", tier.Provider, ev.Err), Err: ev.Err}
			}
			c.logger.Warn("source_error", "provider", tier.Provider.String(), "error", ev.Err)

		case SourceFirstFix:
			c.recordTTFF(tier.Provider, ev.TTFF)

		case SourceSettings:
			if !ev.Enabled {
				return Judgement{Abort: true, Reason: tier.Provider.String() + " location services disabled", Err: ErrBackendUnavailable}
			}
		}
		return Judgement{}
	}
}

type trackResult struct {
	reason    string
	hardError bool
	cancelled bool
}

// track follows the accepted source, re-checking the tier criteria at the
// end of every evaluation window.
func (c *Coordinator) track(s *session, idx int, a *activeSource, status *GnssStatus) trackResult {
	tier := s.tiers[idx]

	var window <-chan time.Time
	var timer *time.Timer
	if tier.Window > 0 {
		timer = time.NewTimer(tier.Window)
		defer timer.Stop()
		window = timer.C
	}

	latest := c.CurrentFix()
	latestStatus := status
	freshInWindow := false

	onFix := func(fix *PositionFix) {
		if !fix.Valid() {
			return
		}
		c.observe(s, fix)
		c.record(s, fix)
		latest = fix
		freshInWindow = true
	}

	for {
		select {
		case <-s.ctx.Done():
			return trackResult{cancelled: true}

		case ev, ok := <-a.events:
			if !ok {
				return trackResult{reason: tier.Provider.String() + " stream closed", hardError: true}
			}
			switch ev.Kind {
			case SourceFix:
				if ev.Fix != nil {
					onFix(ev.Fix)
				}
			case SourceStatus:
				if ev.Status != nil {
					latestStatus = ev.Status
					c.publishStatus(s, tier.Provider, ev.Status)
					if ev.Status.Fix != nil {
						onFix(ev.Status.Fix)
					}
				}
			case SourceError:
				if ev.Fatal {
					return trackResult{reason: fmt.Sprintf("%s error: %v", tier.Provider, ev.Err), hardError: true}
				}
				c.logger.Warn("source_error", "provider", tier.Provider.String(), "error", ev.Err)
			case SourceFirstFix:
				c.recordTTFF(tier.Provider, ev.TTFF)
			case SourceSettings:
				if !ev.Enabled {
					return trackResult{reason: tier.Provider.String() + " location services disabled", hardError: true}
				}
			}

		case <-window:
			if !freshInWindow {
				return trackResult{reason: fmt.Sprintf("no %s fix in last %s", tier.Provider, tier.Window)}
			}
			ok, why := Check(Observation{Provider: tier.Provider, Fix: latest, Status: latestStatus}, tier.Criteria)
			if !ok {
				return trackResult{reason: why}
			}
			c.logger.Debug("tracking_window_passed", "provider", tier.Provider.String(), "accuracy", latest.Accuracy)
			freshInWindow = false
			timer.Reset(tier.Window)
		}
	}
}

// observe feeds the best-seen bookkeeping
func (c *Coordinator) observe(s *session, fix *PositionFix) {
	observeFix(fix)
	if BetterFix(fix, s.best) {
		s.best = fix
	}
}

// record appends a fix to the active provider's history and announces it
func (c *Coordinator) record(s *session, fix *PositionFix) {
	c.tracker.Record(*fix)
	c.mu.Lock()
	c.current = fix
	c.mu.Unlock()
	c.emit(s, Event{Type: EventPositionUpdate, Provider: fix.Provider, Fix: fix})
}

func (c *Coordinator) accept(s *session, idx int, fix *PositionFix) {
	tier := s.tiers[idx]
	if s.mode == modeTracking {
		c.setState(State{Kind: StateTracking, Tier: idx, Provider: tier.Provider})
	}
	c.logger.Info("fix_accepted", "session", s.id, "provider", tier.Provider.String(),
		"accuracy", fix.Accuracy, "satellites", fix.Satellites)
	c.record(s, fix)
}

func (c *Coordinator) publishStatus(s *session, p Provider, status *GnssStatus) {
	c.mu.Lock()
	c.lastStatus = status
	c.mu.Unlock()
	if p == ProviderNativeGNSS {
		c.emit(s, Event{Type: EventGnssStatus, Provider: p, Status: status})
	}
}

func (c *Coordinator) recordTTFF(p Provider, ttff time.Duration) {
	c.mu.Lock()
	c.ttff = ttff
	c.mu.Unlock()
	c.logger.Info("first_fix", "provider", p.String(), "ttff", ttff.String())
}

func (c *Coordinator) switchProvider(s *session, from, to int, reason string) {
	fromP := s.tiers[from].Provider
	toP := s.tiers[to].Provider
	full := fmt.Sprintf("%s -> trying %s", reason, toP)

	c.setState(State{Kind: StateSwitching, From: fromP, Provider: toP, Reason: full})
	c.tracker.ClearHistory()

	c.mu.Lock()
	c.lastReason = full
	c.lastSwitch = time.Now()
	c.current = nil
	c.mu.Unlock()

	providerSwitchesTotal.WithLabelValues(fromP.String(), toP.String()).Inc()
	c.logger.Info("provider_switched", "session", s.id, "from", fromP.String(), "to", toP.String(), "reason", full)
	c.emit(s, Event{Type: EventProviderSwitched, Provider: toP, Reason: full})
}

// exhaust ends a session whose last tier gave up
func (c *Coordinator) exhaust(s *session, reason string, hardError bool) {
	if s.best != nil && !hardError {
		c.complete(s, s.best, "best fix after all tiers: "+reason)
		return
	}
	c.fail(s, reason)
}

func (c *Coordinator) complete(s *session, fix *PositionFix, reason string) {
	s.result = fix
	c.setState(State{Kind: StateCompleted, Provider: fix.Provider, Fix: fix, Reason: reason})

	if s.mode == modeOneShot {
		// A fallback fix may come from an earlier provider, so it is
		// announced without entering the active provider's history.
		c.mu.Lock()
		announced := c.current == fix
		c.current = fix
		c.mu.Unlock()
		if !announced {
			c.emit(s, Event{Type: EventPositionUpdate, Provider: fix.Provider, Fix: fix, Reason: reason})
		}
		acquisitionsTotal.WithLabelValues(s.mode.String(), "success").Inc()
	} else {
		c.mu.Lock()
		c.current = fix
		c.mu.Unlock()
		c.emit(s, Event{
			Type:          EventServiceCompleted,
			Provider:      fix.Provider,
			Fix:           fix,
			FinalAccuracy: fix.Accuracy,
			Reason:        reason,
		})
		acquisitionsTotal.WithLabelValues(s.mode.String(), "completed").Inc()
	}
	c.logger.Info("session_completed", "session", s.id, "provider", fix.Provider.String(),
		"accuracy", fix.Accuracy, "reason", reason)
}

func (c *Coordinator) fail(s *session, reason string) {
	if reason == "" {
		reason = "all tiers exhausted"
	}
	s.err = fmt.Errorf("%w: %s", ErrNoFixAcquired, reason)
	c.setState(State{Kind: StateFailed, Reason: reason, Err: s.err})
	c.emit(s, Event{Type: EventFailed, Reason: reason, Err: s.err})
	acquisitionsTotal.WithLabelValues(s.mode.String(), "failed").Inc()
	c.logger.Warn("session_failed", "session", s.id, "reason", reason)
}

func (c *Coordinator) finishCancelled(s *session) {
	c.tracker.ClearHistory()
	c.mu.Lock()
	c.current = nil
	c.hasProvider = false
	c.mu.Unlock()
	c.setState(State{Kind: StateIdle})

	if s.mode == modeTracking {
		c.emit(s, Event{Type: EventTrackingStopped})
		acquisitionsTotal.WithLabelValues(s.mode.String(), "stopped").Inc()
	} else {
		s.err = s.ctx.Err()
		if s.err == nil {
			s.err = context.Canceled
		}
		acquisitionsTotal.WithLabelValues(s.mode.String(), "cancelled").Inc()
	}
	c.logger.Info("session_stopped", "session", s.id, "mode", s.mode.String())
}

func (c *Coordinator) endSession(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.logger.LogStateChange("coordinator", prev.String(), next.String(), next.Reason)
}

func (c *Coordinator) emit(s *session, ev Event) {
	ev.Session = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.events.Publish(ev)
}

// State returns a snapshot of the state machine
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsTracking reports whether a tracking session is running
func (c *Coordinator) IsTracking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil && c.session.mode == modeTracking
}

// CurrentProvider is the provider of the tier currently in use
func (c *Coordinator) CurrentProvider() (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider, c.hasProvider
}

// CurrentFix returns a copy of the latest fix, or nil
func (c *Coordinator) CurrentFix() *PositionFix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	fix := *c.current
	return &fix
}

// LastStatus returns the latest satellite status seen from the native tier
func (c *Coordinator) LastStatus() *GnssStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStatus
}

// History returns the active provider's recent fixes, oldest first
func (c *Coordinator) History() []PositionFix {
	return c.tracker.History()
}

// BestAccuracy is the smallest accuracy recorded in the current session
func (c *Coordinator) BestAccuracy() (float64, bool) {
	return c.tracker.BestAccuracy()
}

// AccuracyTrend is the accuracy slope over the history in meters per second
func (c *Coordinator) AccuracyTrend() (float64, bool) {
	return c.tracker.Trend()
}

// LastSwitch returns the reason and time of the most recent provider switch
func (c *Coordinator) LastSwitch() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReason, c.lastSwitch
}

// TTFF is the time to first fix last reported by a source
func (c *Coordinator) TTFF() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttff
}

// Tiers returns the configured tier sequence
func (c *Coordinator) Tiers() []Tier {
	out := make([]Tier, len(c.config.Tiers))
	copy(out, c.config.Tiers)
	return out
}
