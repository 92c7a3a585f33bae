package nmea

import (
	"sort"
	"strconv"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/markus-lassfolk/locationd/pkg/gps"
)

const knotsToMPS = 0.514444

// talkerConstellation maps NMEA talker IDs to the constellation names the
// native payload decoder understands. GN (combined) sentences carry no
// constellation of their own.
var talkerConstellation = map[string]string{
	"GP": "GPS",
	"GL": "GLONASS",
	"GA": "GALILEO",
	"GB": "BEIDOU",
	"BD": "BEIDOU",
	"GQ": "QZSS",
	"GI": "IRNSS",
}

// systemConstellation maps the NMEA 4.1 GSA system ID
var systemConstellation = map[int64]string{
	1: "GPS",
	2: "GLONASS",
	3: "GALILEO",
	4: "BEIDOU",
	5: "QZSS",
	6: "IRNSS",
}

// prnConstellation resolves a combined (GN) sentence without a system ID
// using the legacy NMEA PRN ranges. Galileo and BeiDou overlap GPS there
// and cannot be told apart.
func prnConstellation(svid int64) string {
	switch {
	case svid >= 1 && svid <= 32:
		return "GPS"
	case svid >= 33 && svid <= 64:
		return "SBAS"
	case svid >= 65 && svid <= 96:
		return "GLONASS"
	case svid >= 193 && svid <= 200:
		return "QZSS"
	}
	return ""
}

// satKey identifies a satellite across constellations that reuse PRNs
type satKey struct {
	constellation string
	svid          int64
}

func keyFor(constellation string, svid int64) satKey {
	if constellation == "" {
		constellation = prnConstellation(svid)
	}
	return satKey{constellation: constellation, svid: svid}
}

type satInfo struct {
	key       satKey
	svid      int64
	elevation int64
	azimuth   int64
	snr       int64
}

// assembler folds a stream of NMEA sentences into native backend messages.
// A GGA with a valid quality yields a locationUpdate; each completed GSV cycle
// yields a satelliteStatus. It is not safe for concurrent use.
type assembler struct {
	uere float64

	pending map[string][]satInfo
	inView  map[string][]satInfo

	used     map[satKey]bool
	usedDone bool
	fixType  gps.FixType
	hdop     float64

	date     nmea.Date
	speed    float64
	course   float64
	hasSpeed bool

	started      time.Time
	firstFixSent bool
}

func newAssembler(uere float64) *assembler {
	return &assembler{
		uere:    uere,
		pending: make(map[string][]satInfo),
		inView:  make(map[string][]satInfo),
		used:    make(map[satKey]bool),
	}
}

// restart arms time-to-first-fix measurement
func (a *assembler) restart(now time.Time) {
	a.started = now
	a.firstFixSent = false
}

func (a *assembler) feed(line string, now time.Time) ([]gps.NativeMessage, error) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return nil, err
	}

	switch sentence.DataType() {
	case nmea.TypeGSA:
		a.onGSA(sentence.(nmea.GSA))
	case nmea.TypeRMC:
		a.onRMC(sentence.(nmea.RMC))
	case nmea.TypeGSV:
		if msg, ok := a.onGSV(sentence.(nmea.GSV), now); ok {
			return []gps.NativeMessage{msg}, nil
		}
	case nmea.TypeGGA:
		return a.onGGA(sentence.(nmea.GGA), now), nil
	}
	return nil, nil
}

func (a *assembler) onGSA(m nmea.GSA) {
	// GSA sentences of one epoch arrive together, one per constellation on
	// multi-GNSS receivers. The first one after a GGA starts a new set.
	if a.usedDone {
		a.used = make(map[satKey]bool)
		a.usedDone = false
	}
	constellation, ok := systemConstellation[m.SystemID]
	if !ok {
		constellation = talkerConstellation[m.Talker]
	}
	for _, sv := range m.SV {
		if id, err := strconv.ParseInt(sv, 10, 64); err == nil && id > 0 {
			a.used[keyFor(constellation, id)] = true
		}
	}
	switch m.FixType {
	case "2":
		a.fixType = gps.Fix2D
	case "3":
		a.fixType = gps.Fix3D
	default:
		a.fixType = gps.FixNone
	}
	if m.HDOP > 0 {
		a.hdop = m.HDOP
	}
}

func (a *assembler) onRMC(m nmea.RMC) {
	if m.Date.Valid {
		a.date = m.Date
	}
	a.hasSpeed = m.Validity == "A"
	a.speed = m.Speed * knotsToMPS
	a.course = m.Course
}

func (a *assembler) onGSV(m nmea.GSV, now time.Time) (gps.NativeMessage, bool) {
	talker := m.Talker
	if m.MessageNumber == 1 {
		a.pending[talker] = nil
	}
	for _, info := range m.Info {
		if info.SVPRNNumber <= 0 {
			continue
		}
		a.pending[talker] = append(a.pending[talker], satInfo{
			key:       keyFor(talkerConstellation[talker], info.SVPRNNumber),
			svid:      info.SVPRNNumber,
			elevation: info.Elevation,
			azimuth:   info.Azimuth,
			snr:       info.SNR,
		})
	}
	if m.MessageNumber < m.TotalMessages {
		return gps.NativeMessage{}, false
	}
	a.inView[talker] = a.pending[talker]
	delete(a.pending, talker)
	return a.statusMessage(now), true
}

func (a *assembler) statusMessage(now time.Time) gps.NativeMessage {
	talkers := make([]string, 0, len(a.inView))
	for t := range a.inView {
		talkers = append(talkers, t)
	}
	sort.Strings(talkers)

	sats := make([]interface{}, 0)
	for _, t := range talkers {
		for _, s := range a.inView[t] {
			sats = append(sats, map[string]interface{}{
				"svid":          float64(s.svid),
				"constellation": s.key.constellation,
				"snr":           float64(s.snr),
				"usedInFix":     a.used[s.key] && s.snr > 0,
				"elevation":     float64(s.elevation),
				"azimuth":       float64(s.azimuth),
			})
		}
	}

	body := map[string]interface{}{
		"fixType":    float64(fixCode(a.fixType)),
		"satellites": sats,
		"timestamp":  float64(now.UnixMilli()),
	}
	if a.hdop > 0 && a.fixType != gps.FixNone {
		body["accuracy"] = a.hdop * a.uere
	}
	return gps.NativeMessage{Type: gps.NativeSatelliteStatus, Payload: body}
}

func (a *assembler) onGGA(m nmea.GGA, now time.Time) []gps.NativeMessage {
	a.usedDone = true
	if m.FixQuality == "0" || m.FixQuality == "" {
		return nil
	}
	if m.HDOP > 0 {
		a.hdop = m.HDOP
	}

	fixType := a.fixType
	if fixType == gps.FixNone {
		fixType = gps.Fix3D
	}
	if m.FixQuality == "6" { // estimated
		fixType = gps.FixDeadReckoning
	}

	body := map[string]interface{}{
		"latitude":        m.Latitude,
		"longitude":       m.Longitude,
		"altitude":        m.Altitude,
		"satellitesInUse": float64(m.NumSatellites),
		"fixType":         float64(fixCode(fixType)),
		"timestamp":       float64(a.fixTime(m.Time, now).UnixMilli()),
	}
	if a.hdop > 0 {
		body["accuracy"] = a.hdop * a.uere
	}
	if a.hasSpeed {
		body["speed"] = a.speed
		body["bearing"] = a.course
	}

	out := []gps.NativeMessage{{Type: gps.NativeLocationUpdate, Payload: body}}
	if !a.firstFixSent && !a.started.IsZero() {
		a.firstFixSent = true
		out = append(out, gps.NativeMessage{
			Type:    gps.NativeFirstFix,
			Payload: map[string]interface{}{"ttffMillis": float64(now.Sub(a.started).Milliseconds())},
		})
	}
	return out
}

// fixTime combines the GGA time of day with the last RMC date
func (a *assembler) fixTime(t nmea.Time, now time.Time) time.Time {
	if !t.Valid || !a.date.Valid {
		return now
	}
	return time.Date(2000+a.date.YY, time.Month(a.date.MM), a.date.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

func fixCode(f gps.FixType) int {
	switch f {
	case gps.Fix2D:
		return 2
	case gps.Fix3D:
		return 3
	case gps.FixDeadReckoning:
		return 6
	default:
		return 1
	}
}
