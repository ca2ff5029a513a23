// Package pipeline drives the decode→persist→evaluate path for accepted
// positions: device resolution, persistence, cache maintenance, event
// emission and alert evaluation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"geotrack/internal/domain"
	"geotrack/internal/events"
	"geotrack/internal/geo"
	"geotrack/internal/metrics"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	DeviceByUniqueID(ctx context.Context, uniqueID string) (*domain.Device, error)
	DeviceByID(ctx context.Context, id int64) (*domain.Device, error)
	CreateDevice(ctx context.Context, d *domain.Device) error

	AddPosition(ctx context.Context, p *domain.Position) error
	BatchInsertPositions(ctx context.Context, positions []*domain.Position) error
	UpdateDeviceSnapshot(ctx context.Context, p *domain.Position) error
	LatestPositions(ctx context.Context, deviceIDs []int64) ([]*domain.Position, error)
}

// Cache is the last-position cache surface.
type Cache interface {
	SetLastPosition(ctx context.Context, p *domain.Position) error
	LastPositions(ctx context.Context, deviceIDs []int64) (hits []*domain.Position, misses []int64, err error)
}

// PositionInput is one candidate position before validation. Exactly one of
// DeviceID (pre-resolved) or UniqueID (wire identity) must be set.
type PositionInput struct {
	DeviceID int64
	UniqueID string
	Protocol string

	Latitude  *float64
	Longitude *float64
	Altitude  float64
	Speed     float64 // km/h
	Course    float64
	Valid     bool

	// DeviceTime defaults to the server clock when the device did not
	// report one.
	DeviceTime time.Time
	FixTime    time.Time

	Attributes map[string]any
}

type Ingestor struct {
	log       zerolog.Logger
	store     Store
	cache     Cache
	bus       events.Publisher
	evaluator *Evaluator
	fanout    *Fanout

	autoRegister bool
	now          func() time.Time
}

func NewIngestor(
	log zerolog.Logger,
	store Store,
	cache Cache,
	bus events.Publisher,
	evaluator *Evaluator,
	fanout *Fanout,
	autoRegister bool,
) *Ingestor {
	return &Ingestor{
		log:          log.With().Str("component", "ingest").Logger(),
		store:        store,
		cache:        cache,
		bus:          bus,
		evaluator:    evaluator,
		fanout:       fanout,
		autoRegister: autoRegister,
		now:          time.Now,
	}
}

// IngestOne runs the synchronous single-position path: validate, resolve the
// device, persist position and device snapshot together, refresh the cache,
// emit the position event and evaluate alerts. Persistence failures are
// returned to the caller as retryable.
func (ing *Ingestor) IngestOne(ctx context.Context, in *PositionInput) (*domain.Position, []*domain.Event, error) {
	if err := validate(in); err != nil {
		metrics.PositionsRejected.Add(1)
		return nil, nil, err
	}

	device, err := ing.resolveDevice(ctx, in)
	if err != nil {
		metrics.PositionsRejected.Add(1)
		return nil, nil, err
	}

	pos := ing.build(device, in)

	if err := ing.store.AddPosition(ctx, pos); err != nil {
		return nil, nil, fmt.Errorf("persist position: %w", err)
	}
	metrics.PositionsCreated.Add(1)

	ing.finish(ctx, device, pos)
	raised := ing.evaluator.Evaluate(ctx, device, pos)

	return pos, raised, nil
}

// BatchResult reports per-item accounting for a batch.
type BatchResult struct {
	Created  int `json:"created"`
	Rejected int `json:"rejected"`
}

// IngestBatch validates each element independently, persists all accepted
// positions in one operation, applies only the chronologically latest
// position per device to the device snapshot, and defers geofence/alert
// evaluation plus event emission to the background fan-out.
func (ing *Ingestor) IngestBatch(ctx context.Context, inputs []*PositionInput) (*BatchResult, error) {
	res := &BatchResult{}

	type deviceWork struct {
		device *domain.Device
		latest *domain.Position
	}

	accepted := make([]*domain.Position, 0, len(inputs))
	work := make([]*FanoutItem, 0, len(inputs))
	byDevice := make(map[int64]*deviceWork)

	for _, in := range inputs {
		if err := validate(in); err != nil {
			res.Rejected++
			continue
		}
		device, err := ing.resolveDevice(ctx, in)
		if err != nil {
			res.Rejected++
			continue
		}

		pos := ing.build(device, in)
		accepted = append(accepted, pos)
		work = append(work, &FanoutItem{Device: device, Position: pos})

		dw := byDevice[device.ID]
		if dw == nil {
			dw = &deviceWork{device: device}
			byDevice[device.ID] = dw
		}
		// A batch may carry out-of-order backlog; only the latest device
		// time moves the snapshot.
		if dw.latest == nil || pos.DeviceTime.After(dw.latest.DeviceTime) {
			dw.latest = pos
		}
	}

	metrics.PositionsRejected.Add(int64(res.Rejected))
	if len(accepted) == 0 {
		return res, nil
	}

	if err := ing.store.BatchInsertPositions(ctx, accepted); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	res.Created = len(accepted)
	metrics.PositionsCreated.Add(int64(res.Created))

	for _, dw := range byDevice {
		if err := ing.store.UpdateDeviceSnapshot(ctx, dw.latest); err != nil {
			ing.log.Error().Err(err).Int64("deviceId", dw.device.ID).
				Msg("device snapshot update failed")
			continue
		}
		if err := ing.cache.SetLastPosition(ctx, dw.latest); err != nil {
			ing.log.Warn().Err(err).Int64("deviceId", dw.device.ID).
				Msg("last-position cache write failed")
		}
	}

	// Evaluation and event emission happen after the caller's response; a
	// burst of backlog must not block on geofence math.
	for _, item := range work {
		ing.fanout.Enqueue(item)
	}

	return res, nil
}

// LatestPositions serves the fleet query cache-first: Redis hits are used as
// is, misses fall back to the store's latest-per-device query and repopulate
// the cache.
func (ing *Ingestor) LatestPositions(ctx context.Context, deviceIDs []int64) ([]*domain.Position, error) {
	hits, misses, err := ing.cache.LastPositions(ctx, deviceIDs)
	if err != nil {
		// A cache outage degrades to a store query, never to an error.
		ing.log.Warn().Err(err).Msg("last-position cache read failed")
		hits, misses = nil, deviceIDs
	}
	metrics.CacheHits.Add(int64(len(hits)))
	metrics.CacheMisses.Add(int64(len(misses)))

	if len(misses) == 0 {
		return hits, nil
	}

	fetched, err := ing.store.LatestPositions(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("latest positions fallback: %w", err)
	}
	for _, p := range fetched {
		if err := ing.cache.SetLastPosition(ctx, p); err != nil {
			ing.log.Warn().Err(err).Int64("deviceId", p.DeviceID).
				Msg("last-position cache repopulate failed")
		}
	}
	return append(hits, fetched...), nil
}

func validate(in *PositionInput) error {
	if in.DeviceID == 0 && in.UniqueID == "" {
		return fmt.Errorf("%w: missing device identifier", domain.ErrMalformedInput)
	}
	if in.Latitude == nil || in.Longitude == nil {
		return fmt.Errorf("%w: missing coordinates", domain.ErrMalformedInput)
	}
	if *in.Latitude < -90 || *in.Latitude > 90 || *in.Longitude < -180 || *in.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", domain.ErrMalformedInput)
	}
	return nil
}

func (ing *Ingestor) resolveDevice(ctx context.Context, in *PositionInput) (*domain.Device, error) {
	var (
		device *domain.Device
		err    error
	)
	switch {
	case in.DeviceID != 0:
		device, err = ing.store.DeviceByID(ctx, in.DeviceID)
	default:
		device, err = ing.store.DeviceByUniqueID(ctx, in.UniqueID)
		if errors.Is(err, domain.ErrDeviceNotFound) && ing.autoRegister {
			device = &domain.Device{
				UniqueID: in.UniqueID,
				Name:     "Device " + in.UniqueID,
				Protocol: in.Protocol,
				Status:   domain.StatusUnknown,
			}
			if cerr := ing.store.CreateDevice(ctx, device); cerr != nil {
				return nil, cerr
			}
			ing.log.Info().Str("uniqueId", in.UniqueID).Str("protocol", in.Protocol).
				Msg("device auto-registered")
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}
	if device.Disabled {
		return nil, domain.ErrDeviceDisabled
	}
	return device, nil
}

func (ing *Ingestor) build(device *domain.Device, in *PositionInput) *domain.Position {
	now := ing.now().UTC()

	deviceTime := in.DeviceTime
	if deviceTime.IsZero() {
		deviceTime = now
	}
	fixTime := in.FixTime
	if fixTime.IsZero() {
		fixTime = deviceTime
	}

	protocol := in.Protocol
	if protocol == "" {
		protocol = "api"
	}

	pos := &domain.Position{
		DeviceID:   device.ID,
		Protocol:   protocol,
		DeviceTime: deviceTime,
		FixTime:    fixTime,
		ServerTime: now,
		Valid:      in.Valid,
		Latitude:   *in.Latitude,
		Longitude:  *in.Longitude,
		Altitude:   in.Altitude,
		Speed:      in.Speed,
		Course:     in.Course,
		Attributes: in.Attributes,
	}

	// Distance from the previous snapshot; out-of-order samples keep zero
	// rather than attributing travel backwards in time.
	if !device.LastPositionTime.IsZero() && !deviceTime.Before(device.LastPositionTime) {
		pos.Distance = geo.Distance(
			device.LastLatitude, device.LastLongitude,
			pos.Latitude, pos.Longitude,
		)
	}
	return pos
}

// finish handles the post-persist side effects shared by the synchronous
// path: cache refresh and position event emission. Failures degrade, they
// never undo an accepted position.
func (ing *Ingestor) finish(ctx context.Context, device *domain.Device, pos *domain.Position) {
	if err := ing.cache.SetLastPosition(ctx, pos); err != nil {
		ing.log.Warn().Err(err).Int64("deviceId", device.ID).
			Msg("last-position cache write failed")
	}
	if ing.bus != nil {
		if err := ing.bus.PublishPosition(ctx, pos); err != nil {
			ing.log.Warn().Err(err).Int64("deviceId", device.ID).
				Msg("position event publish failed")
		}
	}
}
