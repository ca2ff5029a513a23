// Package geo holds the pure geospatial kernels used by the geofence engine
// and trip statistics.
package geo

import "math"

// EarthRadius in meters.
const EarthRadius = 6371000.0

// Distance returns the great-circle distance in meters between two WGS84
// coordinates (haversine formula).
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadius * c
}

// PointInPolygon runs a ray-casting parity test of (lat, lon) against an
// ordered, implicitly closed vertex ring given as [lat, lon] pairs. Points
// exactly on an edge follow ray-casting's standard behavior and may land on
// either side; callers must not rely on boundary classification.
func PointInPolygon(lat, lon float64, ring [][2]float64) bool {
	if len(ring) < 3 {
		return false
	}

	x, y := lon, lat
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][1], ring[i][0]
		xj, yj := ring[j][1], ring[j][0]

		if ((yi > y) != (yj > y)) &&
			x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// PointNearPolyline reports whether (lat, lon) lies within widthMeters of any
// segment of the polyline, given as [lat, lon] pairs.
//
// Note the threshold is the full width, not width/2: a point counts as inside
// the corridor when its minimum segment distance is <= widthMeters. That
// matches the behavior this system has always shipped with, and changing it
// to a half-width test would silently shrink every existing route geofence.
func PointNearPolyline(lat, lon float64, line [][2]float64, widthMeters float64) bool {
	if len(line) < 2 {
		return false
	}

	min := math.Inf(1)
	for i := 0; i < len(line)-1; i++ {
		d := distanceToSegment(lat, lon, line[i], line[i+1])
		if d < min {
			min = d
		}
	}
	return min <= widthMeters
}

// distanceToSegment projects the point onto the segment in coordinate space,
// clamps to the endpoints, and measures the haversine distance to the
// projection. Good enough at corridor scale; the projection error is
// negligible against GPS fix noise.
func distanceToSegment(lat, lon float64, a, b [2]float64) float64 {
	x, y := lon, lat
	x1, y1 := a[1], a[0]
	x2, y2 := b[1], b[0]

	dx, dy := x2-x1, y2-y1
	lenSq := dx*dx + dy*dy

	t := 0.0
	if lenSq != 0 {
		t = ((x-x1)*dx + (y-y1)*dy) / lenSq
	}
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	px := x1 + t*dx
	py := y1 + t*dy

	return Distance(lat, lon, py, px)
}
