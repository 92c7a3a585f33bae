package gps

import (
	"context"
	"time"
)

// TierOutcomeKind is how one tier attempt resolved
type TierOutcomeKind int

const (
	OutcomeAccepted TierOutcomeKind = iota
	OutcomeTimedOut
	OutcomeAborted
	OutcomeCancelled
)

func (k TierOutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeAborted:
		return "aborted"
	default:
		return "cancelled"
	}
}

// TierOutcome is the single result of TierTimer.Run
type TierOutcome struct {
	Kind   TierOutcomeKind
	Fix    *PositionFix // Accepted fix
	Status *GnssStatus  // Status the accepted fix came from, if any
	Best   *PositionFix // Best fix observed during the attempt, accepted or not
	Reason string       // Why the attempt did not succeed
	Err    error
}

// Judgement is the verdict of a Judge on one event
type Judgement struct {
	Accept bool
	Abort  bool
	Fix    *PositionFix // Candidate for best-seen tracking
	Status *GnssStatus
	Reason string
	Err    error
}

// Judge inspects an event and decides whether it resolves the attempt
type Judge func(SourceEvent) Judgement

// TierTimer races "wait for an acceptable fix" against a deadline.
// Run resolves exactly once: events and the deadline are consumed by a single
// select loop and nothing is read from the stream after Run returns.
type TierTimer struct {
	deadline time.Duration
}

func NewTierTimer(deadline time.Duration) *TierTimer {
	return &TierTimer{deadline: deadline}
}

func (t *TierTimer) Deadline() time.Duration {
	return t.deadline
}

// Run consumes events until the judge accepts or aborts, the deadline
// passes, the stream closes, or ctx is cancelled.
func (t *TierTimer) Run(ctx context.Context, events <-chan SourceEvent, judge Judge) TierOutcome {
	timer := time.NewTimer(t.deadline)
	defer timer.Stop()

	var best *PositionFix
	reason := ""

	for {
		select {
		case <-ctx.Done():
			return TierOutcome{Kind: OutcomeCancelled, Best: best, Reason: "cancelled", Err: ctx.Err()}

		case <-timer.C:
			if reason == "" {
				reason = "no fix within " + t.deadline.String()
			}
			return TierOutcome{Kind: OutcomeTimedOut, Best: best, Reason: reason, Err: ErrTimeout}

		case ev, ok := <-events:
			if !ok {
				return TierOutcome{Kind: OutcomeAborted, Best: best, Reason: "source stream closed", Err: ErrBackendUnavailable}
			}

			j := judge(ev)
			if j.Fix != nil && BetterFix(j.Fix, best) {
				best = j.Fix
			}
			if j.Accept {
				return TierOutcome{Kind: OutcomeAccepted, Fix: j.Fix, Status: j.Status, Best: best}
			}
			if j.Reason != "" {
				reason = j.Reason
			}
			if j.Abort {
				return TierOutcome{Kind: OutcomeAborted, Best: best, Reason: reason, Err: j.Err}
			}
		}
	}
}
