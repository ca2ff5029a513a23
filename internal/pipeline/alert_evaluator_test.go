package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"geotrack/internal/domain"
)

func circleFence(id int64, alerts domain.AlertConfig) *domain.Geofence {
	return &domain.Geofence{
		ID:     id,
		Name:   "depot",
		Type:   domain.GeofenceCircle,
		Active: true,
		Geometry: domain.Geometry{
			Center: domain.Point{Latitude: 0, Longitude: 0},
			Radius: 500,
		},
		Alerts: alerts,
	}
}

func newTestEvaluator(gfs ...*domain.Geofence) (*Evaluator, *fakeSink, *recordingBus, *fakeThrottle) {
	sink := &fakeSink{}
	bus := &recordingBus{}
	throttle := &fakeThrottle{}
	eval := NewEvaluator(zerolog.Nop(), staticGeofences(gfs), throttle, sink, bus)
	return eval, sink, bus, throttle
}

func TestEvaluateDeviceOverspeed(t *testing.T) {
	is := is.New(t)
	eval, sink, bus, _ := newTestEvaluator()
	device := &domain.Device{ID: 1, SpeedLimit: 80}

	raised := eval.Evaluate(context.Background(), device, &domain.Position{ID: 10, DeviceID: 1, Speed: 95})
	is.Equal(len(raised), 1)
	is.Equal(raised[0].Kind, domain.EventDeviceOverspeed)
	is.Equal(raised[0].Value, float64(95))
	is.Equal(len(sink.events), 1)
	is.Equal(len(bus.events), 1)

	// At or below the limit nothing fires.
	eval2, sink2, _, _ := newTestEvaluator()
	raised = eval2.Evaluate(context.Background(), device, &domain.Position{DeviceID: 1, Speed: 80})
	is.Equal(len(raised), 0)
	is.Equal(len(sink2.events), 0)
}

func TestEvaluateGeofenceEnterAndExit(t *testing.T) {
	is := is.New(t)
	g := circleFence(5, domain.AlertConfig{
		OnEnter: domain.AlertRule{Enabled: true},
		OnExit:  domain.AlertRule{Enabled: true},
	})
	eval, _, _, throttle := newTestEvaluator(g)
	device := &domain.Device{ID: 1}

	inside := &domain.Position{DeviceID: 1, Latitude: 0, Longitude: 0}
	outside := &domain.Position{DeviceID: 1, Latitude: 1, Longitude: 1}

	raised := eval.Evaluate(context.Background(), device, inside)
	is.Equal(len(raised), 1)
	is.Equal(raised[0].Kind, domain.EventGeofenceEnter)
	is.Equal(raised[0].GeofenceID, int64(5))

	// Staying inside raises nothing further.
	raised = eval.Evaluate(context.Background(), device, inside)
	is.Equal(len(raised), 0)

	raised = eval.Evaluate(context.Background(), device, outside)
	is.Equal(len(raised), 1)
	is.Equal(raised[0].Kind, domain.EventGeofenceExit)

	// Outside stays quiet.
	raised = eval.Evaluate(context.Background(), device, outside)
	is.Equal(len(raised), 0)
	is.True(throttle.checks >= 2)
}

func TestEvaluateGeofenceDwell(t *testing.T) {
	is := is.New(t)
	g := circleFence(5, domain.AlertConfig{
		OnDwell: domain.AlertRule{Enabled: true, DwellMinutes: 15},
	})
	eval, _, _, _ := newTestEvaluator(g)
	device := &domain.Device{ID: 1}
	inside := &domain.Position{DeviceID: 1, Latitude: 0, Longitude: 0}

	t0 := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	eval.now = func() time.Time { return t0 }
	is.Equal(len(eval.Evaluate(context.Background(), device, inside)), 0) // enter disabled

	eval.now = func() time.Time { return t0.Add(10 * time.Minute) }
	is.Equal(len(eval.Evaluate(context.Background(), device, inside)), 0) // below threshold

	eval.now = func() time.Time { return t0.Add(16 * time.Minute) }
	raised := eval.Evaluate(context.Background(), device, inside)
	is.Equal(len(raised), 1)
	is.Equal(raised[0].Kind, domain.EventGeofenceDwell)
	is.Equal(raised[0].Value, float64(16))

	// Dwell fires once per stay.
	eval.now = func() time.Time { return t0.Add(30 * time.Minute) }
	is.Equal(len(eval.Evaluate(context.Background(), device, inside)), 0)
}

func TestEvaluateGeofenceSpeedLimit(t *testing.T) {
	is := is.New(t)
	g := circleFence(5, domain.AlertConfig{
		SpeedLimit: domain.AlertRule{Enabled: true, MaxSpeed: 40},
	})
	eval, _, _, _ := newTestEvaluator(g)
	device := &domain.Device{ID: 1}

	raised := eval.Evaluate(context.Background(), device,
		&domain.Position{DeviceID: 1, Latitude: 0, Longitude: 0, Speed: 55})
	is.Equal(len(raised), 1)
	is.Equal(raised[0].Kind, domain.EventSpeedLimit)

	// Same speed outside the fence is fine.
	eval2, _, _, _ := newTestEvaluator(g)
	raised = eval2.Evaluate(context.Background(), device,
		&domain.Position{DeviceID: 1, Latitude: 1, Longitude: 1, Speed: 55})
	is.Equal(len(raised), 0)
}

func TestEvaluateThrottleSuppressesDuplicates(t *testing.T) {
	is := is.New(t)
	eval, sink, _, _ := newTestEvaluator()
	device := &domain.Device{ID: 1, SpeedLimit: 80}
	pos := &domain.Position{DeviceID: 1, Speed: 120}

	is.Equal(len(eval.Evaluate(context.Background(), device, pos)), 1)
	is.Equal(len(eval.Evaluate(context.Background(), device, pos)), 0)
	is.Equal(len(sink.events), 1)
}

func TestEvaluateSkipsInactiveGeofence(t *testing.T) {
	is := is.New(t)
	g := circleFence(5, domain.AlertConfig{OnEnter: domain.AlertRule{Enabled: true}})
	g.Active = false
	eval, _, _, _ := newTestEvaluator(g)

	raised := eval.Evaluate(context.Background(), &domain.Device{ID: 1},
		&domain.Position{DeviceID: 1, Latitude: 0, Longitude: 0})
	is.Equal(len(raised), 0)
}

func TestEvaluateRespectsDeviceAssociation(t *testing.T) {
	is := is.New(t)
	g := circleFence(5, domain.AlertConfig{OnEnter: domain.AlertRule{Enabled: true}})
	g.DeviceIDs = []int64{99}
	eval, _, _, _ := newTestEvaluator(g)

	raised := eval.Evaluate(context.Background(), &domain.Device{ID: 1},
		&domain.Position{DeviceID: 1, Latitude: 0, Longitude: 0})
	is.Equal(len(raised), 0)

	raised = eval.Evaluate(context.Background(), &domain.Device{ID: 99},
		&domain.Position{DeviceID: 99, Latitude: 0, Longitude: 0})
	is.Equal(len(raised), 1)
}

func TestCachedGeofencesMemoizes(t *testing.T) {
	is := is.New(t)
	calls := 0
	src := geofenceSourceFunc(func(context.Context) ([]*domain.Geofence, error) {
		calls++
		return []*domain.Geofence{circleFence(1, domain.AlertConfig{})}, nil
	})
	cached := NewCachedGeofences(zerolog.Nop(), src, 30*time.Second)
	t0 := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return t0 }

	for i := 0; i < 5; i++ {
		gfs, err := cached.Geofences(context.Background())
		is.NoErr(err)
		is.Equal(len(gfs), 1)
	}
	is.Equal(calls, 1)

	cached.now = func() time.Time { return t0.Add(time.Minute) }
	_, err := cached.Geofences(context.Background())
	is.NoErr(err)
	is.Equal(calls, 2)
}

type geofenceSourceFunc func(ctx context.Context) ([]*domain.Geofence, error)

func (f geofenceSourceFunc) Geofences(ctx context.Context) ([]*domain.Geofence, error) {
	return f(ctx)
}
