package geofence

import (
	"math"
	"testing"
	"time"

	"github.com/matryer/is"

	"geotrack/internal/domain"
	"geotrack/internal/geo"
)

func circle(lat, lon, radius float64) *domain.Geofence {
	return &domain.Geofence{
		Type:   domain.GeofenceCircle,
		Active: true,
		Geometry: domain.Geometry{
			Center: domain.Point{Latitude: lat, Longitude: lon},
			Radius: radius,
		},
	}
}

func TestCircleBoundaryInclusive(t *testing.T) {
	is := is.New(t)

	g := circle(0, 0, 500)

	// Walk north until the haversine distance is exactly at, then just past,
	// the radius.
	atLat := 500 / (geo.EarthRadius * math.Pi / 180)
	d := geo.Distance(0, 0, atLat, 0)
	is.True(d <= 500.0001 && d >= 499.999) // sanity: the probe sits on the boundary

	is.True(Contains(g, atLat, 0))           // distance == radius is inside
	is.True(!Contains(g, atLat*1.001, 0))    // radius + epsilon is outside
	is.True(Contains(g, 0.001, 0.001))       // well inside
	is.True(!Contains(g, 0.1, 0.1))          // well outside
}

func TestPolygonContainment(t *testing.T) {
	is := is.New(t)

	g := &domain.Geofence{
		Type:   domain.GeofencePolygon,
		Active: true,
		Geometry: domain.Geometry{
			Ring: []domain.Point{
				{Latitude: 0, Longitude: 0},
				{Latitude: 0, Longitude: 10},
				{Latitude: 10, Longitude: 10},
				{Latitude: 10, Longitude: 0},
			},
		},
	}
	is.True(Contains(g, 5, 5))
	is.True(!Contains(g, 5, 11))
}

func TestRouteCorridorUsesFullWidth(t *testing.T) {
	is := is.New(t)

	g := &domain.Geofence{
		Type:   domain.GeofenceRoute,
		Active: true,
		Geometry: domain.Geometry{
			Line: []domain.Point{
				{Latitude: 0, Longitude: 0},
				{Latitude: 0, Longitude: 1},
			},
			Width: 1000,
		},
	}
	// ~900 m off the centerline: inside, because the corridor test compares
	// against the full width rather than half of it.
	is.True(Contains(g, 0.0081, 0.5))
	is.True(!Contains(g, 0.018, 0.5))
}

func TestRouteDefaultWidth(t *testing.T) {
	is := is.New(t)

	g := &domain.Geofence{
		Type:   domain.GeofenceRoute,
		Active: true,
		Geometry: domain.Geometry{
			Line: []domain.Point{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}},
		},
	}
	// 50 m off: inside the default 100 m corridor.
	is.True(Contains(g, 0.00045, 0.5))
	is.True(!Contains(g, 0.002, 0.5))
}

func TestIsActiveNow(t *testing.T) {
	is := is.New(t)

	// Wednesday 2026-08-26 14:30 UTC.
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

	g := circle(0, 0, 100)
	is.True(IsActiveNow(g, now)) // no schedule: always active

	g.Active = false
	is.True(!IsActiveNow(g, now)) // inactive wins over everything
	g.Active = true

	g.Schedule = &domain.Schedule{
		Enabled:  true,
		Timezone: "UTC",
		Days:     []int{3}, // Wednesday
		Times:    []domain.TimeWindow{{Start: "09:00", End: "17:00"}},
	}
	is.True(IsActiveNow(g, now))

	g.Schedule.Days = []int{0, 6} // weekend only
	is.True(!IsActiveNow(g, now))

	g.Schedule.Days = []int{3}
	g.Schedule.Times = []domain.TimeWindow{{Start: "15:00", End: "17:00"}}
	is.True(!IsActiveNow(g, now))

	// Window ends are inclusive.
	g.Schedule.Times = []domain.TimeWindow{{Start: "09:00", End: "14:30"}}
	is.True(IsActiveNow(g, now))

	// Disabled schedule means always active.
	g.Schedule.Enabled = false
	g.Schedule.Times = nil
	is.True(IsActiveNow(g, now))
}

func TestIsActiveNowTimezone(t *testing.T) {
	is := is.New(t)

	// 14:30 UTC is 11:30 in São Paulo (UTC-3).
	now := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

	g := circle(0, 0, 100)
	g.Schedule = &domain.Schedule{
		Enabled:  true,
		Timezone: "America/Sao_Paulo",
		Days:     []int{3},
		Times:    []domain.TimeWindow{{Start: "11:00", End: "12:00"}},
	}
	is.True(IsActiveNow(g, now))

	g.Schedule.Times = []domain.TimeWindow{{Start: "14:00", End: "15:00"}}
	is.True(!IsActiveNow(g, now))
}

func TestValidate(t *testing.T) {
	is := is.New(t)

	is.NoErr(Validate(circle(0, 0, 50)))
	is.True(Validate(circle(0, 0, 5)) != nil) // radius below minimum

	rect := &domain.Geofence{
		Type: domain.GeofenceRectangle,
		Geometry: domain.Geometry{
			Ring: []domain.Point{
				{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}, {Latitude: 1, Longitude: 1}, {Latitude: 1, Longitude: 0}, {Latitude: 0, Longitude: 0}, // closure point allowed
			},
		},
	}
	is.NoErr(Validate(rect))

	rect.Geometry.Ring = rect.Geometry.Ring[:3]
	is.True(Validate(rect) != nil)

	route := &domain.Geofence{
		Type:     domain.GeofenceRoute,
		Geometry: domain.Geometry{Line: []domain.Point{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}}, Width: 5},
	}
	is.True(Validate(route) != nil) // width below minimum

	sched := circle(0, 0, 50)
	sched.Schedule = &domain.Schedule{
		Enabled: true,
		Times:   []domain.TimeWindow{{Start: "18:00", End: "08:00"}},
	}
	is.True(Validate(sched) != nil) // windows do not wrap midnight
}
