package signal

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two fixes in
// kilometers.
func HaversineKm(a, b GPSFix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ImpliedSpeedKmh returns the travel speed implied by two consecutive fixes,
// or 0 when the fixes are not ordered in time.
func ImpliedSpeedKmh(from, to GPSFix) float64 {
	dt := to.Timestamp.Sub(from.Timestamp).Hours()
	if dt <= 0 {
		return 0
	}
	return HaversineKm(from, to) / dt
}

// TrackDistanceKm sums the haversine distance over an ordered GPS track.
func TrackDistanceKm(track []GPSFix) float64 {
	var total float64
	for i := 1; i < len(track); i++ {
		total += HaversineKm(track[i-1], track[i])
	}
	return total
}
