package gps

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Event type keys of the native backend stream
const (
	NativeSatelliteStatus  = "satelliteStatus"
	NativeGnssMeasurements = "gnssMeasurements"
	NativeLocationUpdate   = "locationUpdate"
	NativeFirstFix         = "firstFix"
	NativeError            = "error"
)

// NativeMessage is one raw item from a native backend. Nothing in Payload is
// trusted: every field may be missing, null or of the wrong type.
type NativeMessage struct {
	Type    string
	Payload map[string]interface{}
}

// payload is a read-only view over an untrusted map
type payload map[string]interface{}

func (p payload) has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func (p payload) float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (p payload) floatOr(key string, def float64) float64 {
	if f, ok := p.float(key); ok {
		return f
	}
	return def
}

func (p payload) int(key string) (int, bool) {
	f, ok := p.float(key)
	if !ok || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (p payload) bool(key string) bool {
	switch b := p[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}

func (p payload) str(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p payload) list(key string) []payload {
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]payload, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, payload(m))
		}
	}
	return out
}

// timestamp reads epoch milliseconds, falling back to now
func (p payload) timestamp(key string, now time.Time) time.Time {
	ms, ok := p.float(key)
	if !ok || ms <= 0 {
		return now
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// decodeLocation converts a locationUpdate payload
func decodeLocation(p payload, now time.Time) (*PositionFix, error) {
	lat, okLat := p.float("latitude")
	lon, okLon := p.float("longitude")
	if !okLat || !okLon {
		return nil, malformed("location without coordinates")
	}

	fix := &PositionFix{
		Latitude:         lat,
		Longitude:        lon,
		Accuracy:         p.floatOr("accuracy", 0),
		Altitude:         p.floatOr("altitude", 0),
		AltitudeAccuracy: p.floatOr("altitudeAccuracy", 0),
		Heading:          p.floatOr("bearing", 0),
		HeadingAccuracy:  p.floatOr("bearingAccuracy", 0),
		Speed:            p.floatOr("speed", 0),
		SpeedAccuracy:    p.floatOr("speedAccuracy", 0),
		Timestamp:        p.timestamp("timestamp", now),
		IsMocked:         p.bool("isMocked"),
		Provider:         ProviderNativeGNSS,
		FixType:          decodeFixType(p["fixType"]),
	}
	if n, ok := p.int("satellitesInUse"); ok && n >= 0 {
		fix.Satellites = n
	}
	if fix.FixType == FixNone {
		fix.FixType = Fix2D
		if p.has("altitude") {
			fix.FixType = Fix3D
		}
	}
	if !fix.Valid() {
		return nil, malformed("location out of range (%f, %f)", lat, lon)
	}
	return fix, nil
}

// decodeSatelliteStatus converts a satelliteStatus payload. Counts and the
// average SNR are recomputed from the satellite list when it is present.
func decodeSatelliteStatus(p payload, now time.Time) (*GnssStatus, error) {
	if !p.has("satellites") && !p.has("satellitesInView") && !p.has("fixType") {
		return nil, malformed("satellite status without satellites or fix type")
	}

	status := &GnssStatus{
		FixType:   decodeFixType(p["fixType"]),
		Accuracy:  p.floatOr("accuracy", 0),
		Timestamp: p.timestamp("timestamp", now),
	}

	for _, sp := range p.list("satellites") {
		svid, ok := sp.int("svid")
		if !ok || svid <= 0 {
			continue
		}
		status.Satellites = append(status.Satellites, Satellite{
			Constellation: decodeConstellation(sp["constellation"]),
			SVID:          svid,
			SNR:           math.Max(0, sp.floatOr("cn0DbHz", sp.floatOr("snr", 0))),
			UsedInFix:     sp.bool("usedInFix"),
			Elevation:     sp.floatOr("elevation", 0),
			Azimuth:       sp.floatOr("azimuth", 0),
		})
	}

	if len(status.Satellites) > 0 {
		status.Summarize()
	} else {
		status.InView, _ = p.int("satellitesInView")
		status.InUse, _ = p.int("satellitesInUse")
		status.AvgSNR = math.Max(0, p.floatOr("averageSnr", 0))
		if status.InView < 0 || status.InUse < 0 || (status.InView > 0 && status.InUse > status.InView) {
			return nil, malformed("inconsistent satellite counts %d/%d", status.InUse, status.InView)
		}
	}

	if p.has("latitude") && p.has("longitude") && status.FixType != FixNone {
		fix, err := decodeLocation(p, now)
		if err == nil {
			fix.FixType = status.FixType
			fix.Satellites = status.InUse
			if isFinitePositive(status.Accuracy) {
				fix.Accuracy = status.Accuracy
			}
			status.Fix = fix
		}
	}
	return status, nil
}

// measurementSNR extracts svid -> cn0 from a gnssMeasurements payload
func measurementSNR(p payload) (map[satelliteKey]float64, error) {
	items := p.list("measurements")
	if len(items) == 0 {
		return nil, malformed("measurements missing")
	}
	out := make(map[satelliteKey]float64, len(items))
	for _, m := range items {
		svid, ok := m.int("svid")
		cn0, okCn0 := m.float("cn0DbHz")
		if !ok || !okCn0 || svid <= 0 || cn0 < 0 {
			continue
		}
		out[satelliteKey{decodeConstellation(m["constellation"]), svid}] = cn0
	}
	return out, nil
}

type satelliteKey struct {
	constellation Constellation
	svid          int
}

// applyMeasurements returns a copy of status with refreshed SNR values
func applyMeasurements(status *GnssStatus, snr map[satelliteKey]float64) *GnssStatus {
	next := *status
	next.Satellites = make([]Satellite, len(status.Satellites))
	copy(next.Satellites, status.Satellites)
	for i, sat := range next.Satellites {
		if v, ok := snr[satelliteKey{sat.Constellation, sat.SVID}]; ok {
			next.Satellites[i].SNR = v
		}
	}
	next.Summarize()
	return &next
}

func decodeTTFF(p payload) (time.Duration, error) {
	ms, ok := p.float("ttffMillis")
	if !ok || ms < 0 {
		return 0, malformed("first fix without ttffMillis")
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func decodeFixType(v interface{}) FixType {
	switch t := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "2d":
			return Fix2D
		case "3d":
			return Fix3D
		case "dr", "deadreckoning", "dead_reckoning":
			return FixDeadReckoning
		}
	case float64:
		return fixTypeFromCode(int(t))
	case int:
		return fixTypeFromCode(t)
	}
	return FixNone
}

// fixTypeFromCode follows the NMEA GSA numbering, 2 and 3 for 2D/3D
func fixTypeFromCode(n int) FixType {
	switch n {
	case 2:
		return Fix2D
	case 3:
		return Fix3D
	case 6:
		return FixDeadReckoning
	default:
		return FixNone
	}
}

func decodeConstellation(v interface{}) Constellation {
	switch t := v.(type) {
	case string:
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "GPS":
			return ConstellationGPS
		case "GLONASS":
			return ConstellationGLONASS
		case "GALILEO":
			return ConstellationGalileo
		case "BEIDOU":
			return ConstellationBeiDou
		case "QZSS":
			return ConstellationQZSS
		case "IRNSS", "NAVIC":
			return ConstellationIRNSS
		case "SBAS":
			return ConstellationSBAS
		}
	case float64:
		// Android GnssStatus constellation constants
		switch int(t) {
		case 1:
			return ConstellationGPS
		case 2:
			return ConstellationSBAS
		case 3:
			return ConstellationGLONASS
		case 4:
			return ConstellationQZSS
		case 5:
			return ConstellationBeiDou
		case 6:
			return ConstellationGalileo
		case 7:
			return ConstellationIRNSS
		}
	}
	return ConstellationUnknown
}
