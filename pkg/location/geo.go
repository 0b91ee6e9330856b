// Package location holds geodesic helpers and a spatial index over positions.
package location

import (
	"math"
	"math/rand"

	"github.com/markus-lassfolk/locator/pkg"
)

// EarthRadiusMeters is the mean earth radius used by Distance
const EarthRadiusMeters = 6371000.0

// metersPerDegree is the length of one degree of latitude
const metersPerDegree = EarthRadiusMeters * math.Pi / 180

// Distance returns the haversine distance in meters between two coordinates
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// DistanceBetween returns the distance in meters between two positions
func DistanceBetween(a, b pkg.Position) float64 {
	return Distance(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// MetersToDegrees converts a north-south distance to degrees of latitude
func MetersToDegrees(m float64) float64 {
	return m / metersPerDegree
}

// Offset moves a coordinate by the given meters north and east.
// Latitude is clamped to [-90,90]; longitude wraps into [-180,180].
func Offset(lat, lng, northMeters, eastMeters float64) (float64, float64) {
	newLat := lat + northMeters/metersPerDegree

	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	newLng := lng + eastMeters/(metersPerDegree*cos)

	newLat = math.Max(-90, math.Min(90, newLat))
	for newLng > 180 {
		newLng -= 360
	}
	for newLng < -180 {
		newLng += 360
	}
	return newLat, newLng
}

// RandomOffset returns a north/east displacement uniformly distributed inside a disk of radius meters
func RandomOffset(rng *rand.Rand, radius float64) (north, east float64) {
	if radius <= 0 {
		return 0, 0
	}
	r := radius * math.Sqrt(rng.Float64())
	theta := rng.Float64() * 2 * math.Pi
	return r * math.Cos(theta), r * math.Sin(theta)
}
