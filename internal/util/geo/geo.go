package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

const (
	EarthRadiusMiles  = 3958.8
	EarthRadiusMeters = 6371000.0

	msToMph = 2.23694
	msToKmh = 3.6

	// DefaultEtaFloor is the speed in m/s at or below which a bus is
	// considered stopped.
	DefaultEtaFloor = 0.5
)

type Point struct {
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func angle(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians()
}

// HaversineMiles is the great-circle distance between two points in miles.
func HaversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	return angle(lat1, lon1, lat2, lon2) * EarthRadiusMiles
}

func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return angle(lat1, lon1, lat2, lon2) * EarthRadiusMeters
}

func MsToMph(ms float64) float64 {
	return ms * msToMph
}

func MsToKmh(ms float64) float64 {
	return ms * msToKmh
}

// EstimateEtaMinutes returns the travel time in minutes for miles at speedMs.
// ok is false when the speed is at or below floor.
func EstimateEtaMinutes(miles float64, speedMs float64, floor float64) (minutes float64, ok bool) {
	if speedMs <= floor || math.IsNaN(speedMs) {
		return 0, false
	}
	mph := MsToMph(speedMs)
	return miles / mph * 60, true
}

// FormatEta renders an ETA for display. A nil value means not available.
func FormatEta(minutes *float64) string {
	if minutes == nil {
		return "N/A"
	}
	m := *minutes
	if m < 1 {
		return "< 1 min"
	}
	if m < 60 {
		return fmt.Sprintf("%d min", int(math.Round(m)))
	}
	hours := int(math.Floor(m / 60))
	rest := int(math.Round(math.Mod(m, 60)))
	if rest == 60 {
		hours++
		rest = 0
	}
	if rest == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, rest)
}
