// Package geofence evaluates geometry containment and activation schedules.
package geofence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"geotrack/internal/domain"
	"geotrack/internal/geo"
)

const (
	// MinRouteWidth is the smallest accepted corridor width in meters.
	MinRouteWidth = 10
	// DefaultRouteWidth applies when a route geometry omits the width.
	DefaultRouteWidth = 100
	// MinCircleRadius in meters.
	MinCircleRadius = 10
)

// Contains reports whether the position lies inside the geofence geometry.
// Circle boundaries are inclusive; polygon edges follow ray-casting parity.
func Contains(g *domain.Geofence, lat, lon float64) bool {
	switch g.Type {
	case domain.GeofenceCircle:
		d := geo.Distance(lat, lon, g.Geometry.Center.Latitude, g.Geometry.Center.Longitude)
		return d <= g.Geometry.Radius

	case domain.GeofencePolygon, domain.GeofenceRectangle:
		return geo.PointInPolygon(lat, lon, ring(g.Geometry.Ring))

	case domain.GeofenceRoute:
		width := g.Geometry.Width
		if width <= 0 {
			width = DefaultRouteWidth
		}
		return geo.PointNearPolyline(lat, lon, ring(g.Geometry.Line), width)
	}
	return false
}

// IsActiveNow reports whether the geofence should be evaluated at the given
// wall-clock instant. Pure over (now, schedule); never mutates the geofence.
func IsActiveNow(g *domain.Geofence, now time.Time) bool {
	if !g.Active {
		return false
	}
	s := g.Schedule
	if s == nil || !s.Enabled {
		return true
	}

	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	day := int(local.Weekday())
	dayOK := false
	for _, d := range s.Days {
		if d == day {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	for _, w := range s.Times {
		start, err1 := parseMinuteOfDay(w.Start)
		end, err2 := parseMinuteOfDay(w.End)
		if err1 != nil || err2 != nil || end < start {
			continue
		}
		if minute >= start && minute <= end {
			return true
		}
	}
	return false
}

// Validate checks the geometry invariants at creation/load time so the hot
// evaluation path can assume well-formed geofences.
func Validate(g *domain.Geofence) error {
	switch g.Type {
	case domain.GeofenceCircle:
		if g.Geometry.Radius < MinCircleRadius {
			return fmt.Errorf("circle radius %.1f below minimum %d", g.Geometry.Radius, MinCircleRadius)
		}

	case domain.GeofencePolygon:
		if len(g.Geometry.Ring) < 3 {
			return fmt.Errorf("polygon needs at least 3 vertices, got %d", len(g.Geometry.Ring))
		}

	case domain.GeofenceRectangle:
		if n := len(distinctVertices(g.Geometry.Ring)); n != 4 {
			return fmt.Errorf("rectangle needs exactly 4 distinct vertices, got %d", n)
		}

	case domain.GeofenceRoute:
		if len(g.Geometry.Line) < 2 {
			return fmt.Errorf("route needs at least 2 vertices, got %d", len(g.Geometry.Line))
		}
		if g.Geometry.Width != 0 && g.Geometry.Width < MinRouteWidth {
			return fmt.Errorf("route width %.1f below minimum %d", g.Geometry.Width, MinRouteWidth)
		}

	default:
		return fmt.Errorf("unknown geofence type %q", g.Type)
	}

	if s := g.Schedule; s != nil && s.Enabled {
		for _, w := range s.Times {
			start, err := parseMinuteOfDay(w.Start)
			if err != nil {
				return fmt.Errorf("schedule window start %q: %w", w.Start, err)
			}
			end, err := parseMinuteOfDay(w.End)
			if err != nil {
				return fmt.Errorf("schedule window end %q: %w", w.End, err)
			}
			if end < start {
				return fmt.Errorf("schedule window %s-%s ends before it starts", w.Start, w.End)
			}
		}
	}
	return nil
}

func parseMinuteOfDay(hhmm string) (int, error) {
	h, m, ok := strings.Cut(hhmm, ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM")
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad hour %q", h)
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, fmt.Errorf("bad minute %q", m)
	}
	return hour*60 + min, nil
}

func distinctVertices(ring []domain.Point) []domain.Point {
	// A closing vertex equal to the first does not count.
	out := make([]domain.Point, 0, len(ring))
	for _, p := range ring {
		dup := false
		for _, q := range out {
			if p == q {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

func ring(points []domain.Point) [][2]float64 {
	out := make([][2]float64, len(points))
	for i, p := range points {
		out[i] = [2]float64{p.Latitude, p.Longitude}
	}
	return out
}
