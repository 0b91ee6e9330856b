package starlink

import "time"

// LocationResponse is the JSON shape of a get_location reply
type LocationResponse struct {
	GetLocation struct {
		LLA struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM float64 `json:"sigmaM"`
		Source string  `json:"source"`
	} `json:"getLocation"`
}

// StatusResponse is the subset of get_status this package reads
type StatusResponse struct {
	DishGetStatus struct {
		DeviceInfo struct {
			ID              string `json:"id"`
			SoftwareVersion string `json:"softwareVersion"`
		} `json:"deviceInfo"`
		GPSStats struct {
			GPSValid   bool `json:"gpsValid"`
			GPSSats    int  `json:"gpsSats"`
			InhibitGPS bool `json:"inhibitGps"`
		} `json:"gpsStats"`
	} `json:"dishGetStatus"`
}

// Fix is a dish-reported position
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	SigmaM    float64   `json:"sigma_m"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// GPSStatus summarizes the dish GNSS receiver
type GPSStatus struct {
	Valid      bool `json:"valid"`
	Satellites int  `json:"satellites"`
	Inhibited  bool `json:"inhibited"`
}
