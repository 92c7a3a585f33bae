package starlink

// StatusResponse is the subset of get_status the locator reads
type StatusResponse struct {
	DishGetStatus struct {
		DeviceInfo struct {
			ID              string `json:"id"`
			HardwareVersion string `json:"hardwareVersion"`
			SoftwareVersion string `json:"softwareVersion"`
		} `json:"deviceInfo"`

		GPSStats struct {
			GPSValid   bool `json:"gpsValid"`
			GPSSats    int  `json:"gpsSats"`
			InhibitGPS bool `json:"inhibitGps"`
		} `json:"gpsStats"`

		MobilityClass string `json:"mobilityClass"`
	} `json:"dishGetStatus"`
}

// LocationResponse is the response of get_location. Location access must be
// enabled in the Starlink app for the dish to answer.
type LocationResponse struct {
	GetLocation struct {
		LLA struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM             float64 `json:"sigmaM"`
		Source             string  `json:"source"` // e.g. "GNC_FUSED", "GNC_NO_ACCEL"
		HorizontalSpeedMps float64 `json:"horizontalSpeedMps"`
		VerticalSpeedMps   float64 `json:"verticalSpeedMps"`
	} `json:"getLocation"`
}
