package gps

import (
	"fmt"
	"math"
)

// Criteria is the acceptance policy of one tier. Satellite-based checks only
// apply to the native GNSS tier; network tiers are judged on accuracy alone.
type Criteria struct {
	MinSatellites int       `json:"min_satellites"`
	MinSNR        float64   `json:"min_snr"`
	MaxAccuracy   float64   `json:"max_accuracy"` // Meters; a fix must be at or below this
	FixTypes      []FixType `json:"fix_types"`
}

// allowsFixType treats an empty list as {2D, 3D}
func (c Criteria) allowsFixType(ft FixType) bool {
	if len(c.FixTypes) == 0 {
		return ft == Fix2D || ft == Fix3D
	}
	for _, allowed := range c.FixTypes {
		if allowed == ft {
			return true
		}
	}
	return false
}

// withHints applies caller overrides to a copy of the criteria
func (c Criteria) withHints(h QualityHints, satelliteBased bool) Criteria {
	out := c
	if h.MaxAccuracy > 0 {
		out.MaxAccuracy = h.MaxAccuracy
	}
	if satelliteBased && h.MinSatellites > 0 {
		out.MinSatellites = h.MinSatellites
	}
	return out
}

// Observation is what the evaluator judges: a fix, a satellite status, or both
type Observation struct {
	Provider Provider
	Fix      *PositionFix
	Status   *GnssStatus
}

// Check decides whether an observation satisfies the criteria. When it does
// not, the returned reason names the first failed condition.
func Check(obs Observation, c Criteria) (bool, string) {
	if obs.Provider == ProviderNativeGNSS {
		return checkGNSS(obs, c)
	}
	return checkAccuracy(obs.Fix, c)
}

// IsAcceptable is Check without the reason
func IsAcceptable(obs Observation, c Criteria) bool {
	ok, _ := Check(obs, c)
	return ok
}

func checkGNSS(obs Observation, c Criteria) (bool, string) {
	fixType := FixNone
	inUse := 0
	snr := math.NaN()
	accuracy := math.Inf(1)

	if obs.Fix != nil {
		fixType = obs.Fix.FixType
		inUse = obs.Fix.Satellites
		if isFinitePositive(obs.Fix.Accuracy) {
			accuracy = obs.Fix.Accuracy
		}
	}
	if obs.Status != nil {
		fixType = obs.Status.FixType
		inUse = obs.Status.InUse
		if obs.Status.AvgSNR > 0 {
			snr = obs.Status.AvgSNR
		}
		if isFinitePositive(obs.Status.Accuracy) {
			accuracy = obs.Status.Accuracy
		}
		if obs.Status.Fix != nil && isFinitePositive(obs.Status.Fix.Accuracy) && math.IsInf(accuracy, 1) {
			accuracy = obs.Status.Fix.Accuracy
		}
	}

	if inUse < c.MinSatellites {
		return false, fmt.Sprintf("insufficient satellites (%d/%d in use)", inUse, c.MinSatellites)
	}
	if c.MinSNR > 0 {
		if math.IsNaN(snr) {
			return false, "no signal strength data"
		}
		if snr < c.MinSNR {
			return false, fmt.Sprintf("weak signal (avg snr %.1f < %.1f dB-Hz)", snr, c.MinSNR)
		}
	}
	if obs.Fix == nil && (obs.Status == nil || obs.Status.Fix == nil) {
		return false, "no position in status"
	}
	if !c.allowsFixType(fixType) {
		return false, fmt.Sprintf("fix type %s not accepted", fixType)
	}
	if c.MaxAccuracy > 0 && accuracy > c.MaxAccuracy {
		return false, fmt.Sprintf("poor accuracy (%.1fm > %.1fm)", accuracy, c.MaxAccuracy)
	}
	return true, ""
}

func checkAccuracy(fix *PositionFix, c Criteria) (bool, string) {
	if fix == nil {
		return false, "no position"
	}
	if !isFinitePositive(fix.Accuracy) {
		return false, "unknown accuracy"
	}
	if c.MaxAccuracy > 0 && fix.Accuracy > c.MaxAccuracy {
		return false, fmt.Sprintf("poor accuracy (%.1fm > %.1fm)", fix.Accuracy, c.MaxAccuracy)
	}
	return true, ""
}

func isFinitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// MinScoringSatellites is the satellite count below which a fix's satellites
// do not count toward its score. Fewer than four satellites cannot produce a
// 3D solution, so such a fix competes on accuracy alone.
const MinScoringSatellites = 4

// FixScore orders fixes for best-seen fallback
type FixScore struct {
	Satellites int
	Accuracy   float64
	Timestamp  int64
	Provider   Provider
}

// Score computes the ranking key of a fix
func Score(fix *PositionFix) FixScore {
	sats := fix.Satellites
	if sats < MinScoringSatellites {
		sats = 0
	}
	acc := fix.Accuracy
	if !isFinitePositive(acc) {
		acc = math.Inf(1)
	}
	return FixScore{
		Satellites: sats,
		Accuracy:   acc,
		Timestamp:  fix.Timestamp.UnixNano(),
		Provider:   fix.Provider,
	}
}

// Better reports whether s ranks strictly above o: more counted satellites,
// then smaller accuracy, then the newer fix, then the higher-priority provider.
// The order is total so the best of a non-empty set is always defined.
func (s FixScore) Better(o FixScore) bool {
	if s.Satellites != o.Satellites {
		return s.Satellites > o.Satellites
	}
	if s.Accuracy != o.Accuracy {
		return s.Accuracy < o.Accuracy
	}
	if s.Timestamp != o.Timestamp {
		return s.Timestamp > o.Timestamp
	}
	return s.Provider < o.Provider
}

// BetterFix reports whether a outranks b. A nil b is always outranked.
func BetterFix(a, b *PositionFix) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return Score(a).Better(Score(b))
}
