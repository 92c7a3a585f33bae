package api

import (
	"net/http"

	"github.com/markus-lassfolk/locationd/pkg/gps"
)

// GPSResponse mirrors the RutOS GPS status response so existing consumers
// can read locationd instead
type GPSResponse struct {
	Data GPSData `json:"data"`
}

// GPSData represents the GPS data structure
type GPSData struct {
	Latitude   *float64 `json:"latitude"`   // Decimal degrees
	Longitude  *float64 `json:"longitude"`  // Decimal degrees
	Altitude   *float64 `json:"altitude"`   // Meters above sea level
	FixStatus  string   `json:"fix_status"` // "0", "1", "2", "3" as string
	Satellites *int     `json:"satellites"` // Number of satellites
	Accuracy   *float64 `json:"accuracy"`   // Accuracy in meters
	Speed      *float64 `json:"speed"`      // Speed in km/h
	DateTime   string   `json:"datetime"`   // UTC time with Z suffix
	Source     string   `json:"source"`     // Provider of the fix
}

func (s *Server) handleGPSStatus(w http.ResponseWriter, r *http.Request) {
	fix := s.service.CurrentFix()
	if fix == nil {
		s.logger.Debug("gps_status_unavailable")
		s.writeError(w, http.StatusServiceUnavailable, "no GPS location available")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	s.writeJSON(w, http.StatusOK, GPSResponse{Data: convertToGPSData(fix)})
}

// convertToGPSData maps a fix onto the RutOS fields. RutOS reports "1" for a
// 2D and "2" for a 3D fix; locationd adds "3" for dead reckoning.
func convertToGPSData(fix *gps.PositionFix) GPSData {
	fixStatus := "0"
	switch fix.FixType {
	case gps.Fix2D:
		fixStatus = "1"
	case gps.Fix3D:
		fixStatus = "2"
	case gps.FixDeadReckoning:
		fixStatus = "3"
	}

	lat, lon, acc := fix.Latitude, fix.Longitude, fix.Accuracy
	data := GPSData{
		Latitude:  &lat,
		Longitude: &lon,
		Accuracy:  &acc,
		FixStatus: fixStatus,
		DateTime:  fix.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Source:    fix.Provider.String(),
	}
	if fix.FixType == gps.Fix3D {
		alt := fix.Altitude
		data.Altitude = &alt
	}
	if fix.Satellites > 0 {
		sats := fix.Satellites
		data.Satellites = &sats
	}
	if fix.Speed > 0 {
		kmh := fix.Speed * 3.6
		data.Speed = &kmh
	}
	return data
}
