package geo

import "math"

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineKm returns the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	return Haversine(lat1, lng1, lat2, lng2) / 1000.0
}
