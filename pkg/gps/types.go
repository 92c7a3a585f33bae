package gps

import (
	"math"
	"time"
)

// Provider identifies which positioning source produced a fix
type Provider int

const (
	ProviderNativeGNSS Provider = iota
	ProviderFusedNetwork
	ProviderStandardFallback
)

func (p Provider) String() string {
	switch p {
	case ProviderNativeGNSS:
		return "nativeGnss"
	case ProviderFusedNetwork:
		return "fusedNetwork"
	case ProviderStandardFallback:
		return "standardFallback"
	default:
		return "unknown"
	}
}

// ParseProvider is the inverse of Provider.String
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case "nativeGnss", "native", "gnss":
		return ProviderNativeGNSS, true
	case "fusedNetwork", "fused", "network":
		return ProviderFusedNetwork, true
	case "standardFallback", "standard", "fallback":
		return ProviderStandardFallback, true
	}
	return 0, false
}

// FixType mirrors the NMEA GSA mode plus dead reckoning
type FixType int

const (
	FixNone FixType = iota
	Fix2D
	Fix3D
	FixDeadReckoning
)

func (f FixType) String() string {
	switch f {
	case Fix2D:
		return "2d"
	case Fix3D:
		return "3d"
	case FixDeadReckoning:
		return "dead_reckoning"
	default:
		return "no_fix"
	}
}

// Constellation is the GNSS system a satellite belongs to
type Constellation int

const (
	ConstellationUnknown Constellation = iota
	ConstellationGPS
	ConstellationGLONASS
	ConstellationGalileo
	ConstellationBeiDou
	ConstellationQZSS
	ConstellationIRNSS
	ConstellationSBAS
)

func (c Constellation) String() string {
	switch c {
	case ConstellationGPS:
		return "gps"
	case ConstellationGLONASS:
		return "glonass"
	case ConstellationGalileo:
		return "galileo"
	case ConstellationBeiDou:
		return "beidou"
	case ConstellationQZSS:
		return "qzss"
	case ConstellationIRNSS:
		return "irnss"
	case ConstellationSBAS:
		return "sbas"
	default:
		return "other"
	}
}

// PositionFix is a point-in-time location estimate. Treat values as immutable
// once handed to the coordinator; copy before modifying.
type PositionFix struct {
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Accuracy         float64   `json:"accuracy"` // Horizontal, meters 1σ
	Altitude         float64   `json:"altitude"`
	AltitudeAccuracy float64   `json:"altitude_accuracy"`
	Heading          float64   `json:"heading"`
	HeadingAccuracy  float64   `json:"heading_accuracy"`
	Speed            float64   `json:"speed"` // m/s
	SpeedAccuracy    float64   `json:"speed_accuracy"`
	Timestamp        time.Time `json:"timestamp"`
	IsMocked         bool      `json:"is_mocked"`

	Provider   Provider `json:"provider"`
	Satellites int      `json:"satellites"` // In use, 0 when the provider has no satellite concept
	FixType    FixType  `json:"fix_type"`
	LastKnown  bool     `json:"last_known,omitempty"`
}

// Valid reports whether the coordinates are usable
func (f *PositionFix) Valid() bool {
	if f == nil {
		return false
	}
	if math.IsNaN(f.Latitude) || math.IsNaN(f.Longitude) {
		return false
	}
	if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 {
		return false
	}
	return !(f.Latitude == 0 && f.Longitude == 0)
}

// Satellite is per-satellite telemetry
type Satellite struct {
	Constellation Constellation `json:"constellation"`
	SVID          int           `json:"svid"`
	SNR           float64       `json:"snr"` // dB-Hz
	UsedInFix     bool          `json:"used_in_fix"`
	Elevation     float64       `json:"elevation,omitempty"`
	Azimuth       float64       `json:"azimuth,omitempty"`
}

// GnssStatus aggregates the satellite view of the native receiver
type GnssStatus struct {
	FixType    FixType      `json:"fix_type"`
	Satellites []Satellite  `json:"satellites"`
	InView     int          `json:"in_view"`
	InUse      int          `json:"in_use"`
	AvgSNR     float64      `json:"avg_snr"` // Across in-use satellites
	Accuracy   float64      `json:"accuracy"`
	Fix        *PositionFix `json:"fix,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Summarize recomputes the derived counts from the satellite list.
// Counts already set by the receiver are kept when the list is empty.
func (s *GnssStatus) Summarize() {
	if len(s.Satellites) == 0 {
		return
	}
	s.InView = len(s.Satellites)
	inUse := 0
	var snrSum float64
	for _, sat := range s.Satellites {
		if sat.UsedInFix {
			inUse++
			snrSum += sat.SNR
		}
	}
	s.InUse = inUse
	s.AvgSNR = 0
	if inUse > 0 {
		s.AvgSNR = snrSum / float64(inUse)
	}
}

// TrackingConfig is passed to a source when continuous updates begin
type TrackingConfig struct {
	Interval     time.Duration
	HighAccuracy bool
}

// QualityHints let a caller tighten or relax tier criteria for one request.
// Zero values leave the configured criteria untouched.
type QualityHints struct {
	MaxAccuracy   float64
	MinSatellites int
	HighAccuracy  bool
}
