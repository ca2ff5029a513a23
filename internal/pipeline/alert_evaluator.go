package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geotrack/internal/domain"
	"geotrack/internal/events"
	"geotrack/internal/geofence"
	"geotrack/internal/metrics"
)

// GeofenceSource supplies the active geofence set. Implementations may
// memoize; the set is read-mostly.
type GeofenceSource interface {
	Geofences(ctx context.Context) ([]*domain.Geofence, error)
}

// Throttler suppresses duplicate notifications for the same rule within the
// throttle window.
type Throttler interface {
	AcquireAlertSlot(ctx context.Context, deviceID int64, kind domain.EventKind, ref int64) (bool, error)
}

// EventSink persists raised alerts.
type EventSink interface {
	InsertEvent(ctx context.Context, e *domain.Event) error
}

const defaultDwellMinutes = 10

// containment is the per-(device, geofence) presence state enter/exit/dwell
// rules are derived from. Held in memory: after a restart the worst case is
// one re-raised enter event, which the Redis throttle still caps.
type containment struct {
	enteredAt  time.Time
	dwellFired bool
}

// Evaluator applies speed and geofence rules to every accepted position.
type Evaluator struct {
	log       zerolog.Logger
	geofences GeofenceSource
	throttle  Throttler
	sink      EventSink
	bus       events.Publisher

	mu    sync.Mutex
	state map[int64]map[int64]*containment

	now func() time.Time
}

func NewEvaluator(
	log zerolog.Logger,
	geofences GeofenceSource,
	throttle Throttler,
	sink EventSink,
	bus events.Publisher,
) *Evaluator {
	return &Evaluator{
		log:       log.With().Str("component", "alerts").Logger(),
		geofences: geofences,
		throttle:  throttle,
		sink:      sink,
		bus:       bus,
		state:     make(map[int64]map[int64]*containment),
		now:       time.Now,
	}
}

// Evaluate runs every applicable rule against the position and returns the
// alerts that were actually raised (throttled duplicates are not returned).
// Evaluation failures are contained: a broken geofence or a sink error skips
// that alert, never the connection or the batch.
func (e *Evaluator) Evaluate(ctx context.Context, device *domain.Device, pos *domain.Position) []*domain.Event {
	var raised []*domain.Event

	if device.SpeedLimit > 0 && pos.Speed > device.SpeedLimit {
		if ev := e.raise(ctx, domain.EventDeviceOverspeed, device.ID, pos.ID, 0, pos.Speed); ev != nil {
			raised = append(raised, ev)
		}
	}

	gfs, err := e.geofences.Geofences(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("geofence load failed, skipping evaluation")
		return raised
	}

	now := e.now()
	for _, g := range gfs {
		if !g.AppliesTo(device.ID) || !geofence.IsActiveNow(g, now) {
			continue
		}
		raised = append(raised, e.evaluateGeofence(ctx, g, device, pos, now)...)
	}
	return raised
}

func (e *Evaluator) evaluateGeofence(
	ctx context.Context,
	g *domain.Geofence,
	device *domain.Device,
	pos *domain.Position,
	now time.Time,
) []*domain.Event {
	inside := geofence.Contains(g, pos.Latitude, pos.Longitude)

	e.mu.Lock()
	perDevice := e.state[device.ID]
	if perDevice == nil {
		perDevice = make(map[int64]*containment)
		e.state[device.ID] = perDevice
	}
	prev := perDevice[g.ID]

	var entered, exited, dwelled bool
	var dwellFor time.Duration
	switch {
	case inside && prev == nil:
		perDevice[g.ID] = &containment{enteredAt: now}
		entered = true
	case inside:
		threshold := time.Duration(g.Alerts.OnDwell.DwellMinutes) * time.Minute
		if threshold <= 0 {
			threshold = defaultDwellMinutes * time.Minute
		}
		if !prev.dwellFired && now.Sub(prev.enteredAt) >= threshold {
			prev.dwellFired = true
			dwelled = true
			dwellFor = now.Sub(prev.enteredAt)
		}
	case prev != nil:
		delete(perDevice, g.ID)
		exited = true
	}
	e.mu.Unlock()

	var out []*domain.Event
	if entered && g.Alerts.OnEnter.Enabled {
		if ev := e.raise(ctx, domain.EventGeofenceEnter, device.ID, pos.ID, g.ID, 0); ev != nil {
			out = append(out, ev)
		}
	}
	if exited && g.Alerts.OnExit.Enabled {
		if ev := e.raise(ctx, domain.EventGeofenceExit, device.ID, pos.ID, g.ID, 0); ev != nil {
			out = append(out, ev)
		}
	}
	if dwelled && g.Alerts.OnDwell.Enabled {
		if ev := e.raise(ctx, domain.EventGeofenceDwell, device.ID, pos.ID, g.ID, dwellFor.Minutes()); ev != nil {
			out = append(out, ev)
		}
	}
	if inside && g.Alerts.SpeedLimit.Enabled && g.Alerts.SpeedLimit.MaxSpeed > 0 &&
		pos.Speed > g.Alerts.SpeedLimit.MaxSpeed {
		if ev := e.raise(ctx, domain.EventSpeedLimit, device.ID, pos.ID, g.ID, pos.Speed); ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

func (e *Evaluator) raise(
	ctx context.Context,
	kind domain.EventKind,
	deviceID, positionID, geofenceID int64,
	value float64,
) *domain.Event {
	ok, err := e.throttle.AcquireAlertSlot(ctx, deviceID, kind, geofenceID)
	if err != nil {
		e.log.Error().Err(err).Int64("deviceId", deviceID).Str("kind", string(kind)).
			Msg("alert throttle check failed")
		return nil
	}
	if !ok {
		return nil
	}

	ev := &domain.Event{
		Kind:       kind,
		DeviceID:   deviceID,
		PositionID: positionID,
		GeofenceID: geofenceID,
		Value:      value,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.sink.InsertEvent(ctx, ev); err != nil {
		e.log.Error().Err(err).Int64("deviceId", deviceID).Str("kind", string(kind)).
			Msg("alert insert failed")
		return nil
	}
	metrics.AlertsRaised.Add(1)

	if e.bus != nil {
		if err := e.bus.PublishEvent(ctx, ev); err != nil {
			e.log.Warn().Err(err).Int64("deviceId", deviceID).Str("kind", string(kind)).
				Msg("alert publish failed")
		}
	}
	return ev
}
