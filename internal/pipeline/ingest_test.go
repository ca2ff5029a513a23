package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"geotrack/internal/domain"
)

type fakeStore struct {
	mu         sync.Mutex
	byUniqueID map[string]*domain.Device
	byID       map[int64]*domain.Device
	nextID     int64

	added     []*domain.Position
	batched   []*domain.Position
	snapshots []*domain.Position
	latest    []*domain.Position
}

func newFakeStore(devices ...*domain.Device) *fakeStore {
	s := &fakeStore{
		byUniqueID: make(map[string]*domain.Device),
		byID:       make(map[int64]*domain.Device),
		nextID:     100,
	}
	for _, d := range devices {
		s.byUniqueID[d.UniqueID] = d
		s.byID[d.ID] = d
	}
	return s
}

func (s *fakeStore) DeviceByUniqueID(_ context.Context, uniqueID string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byUniqueID[uniqueID]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	return d, nil
}

func (s *fakeStore) DeviceByID(_ context.Context, id int64) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	return d, nil
}

func (s *fakeStore) CreateDevice(_ context.Context, d *domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d.ID = s.nextID
	s.byUniqueID[d.UniqueID] = d
	s.byID[d.ID] = d
	return nil
}

func (s *fakeStore) AddPosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.added) + 1)
	s.added = append(s.added, p)
	return nil
}

func (s *fakeStore) BatchInsertPositions(_ context.Context, positions []*domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batched = append(s.batched, positions...)
	return nil
}

func (s *fakeStore) UpdateDeviceSnapshot(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, p)
	return nil
}

func (s *fakeStore) LatestPositions(_ context.Context, deviceIDs []int64) ([]*domain.Position, error) {
	return s.latest, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[int64]*domain.Position
	setErr  error
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[int64]*domain.Position)}
}

func (c *fakeCache) SetLastPosition(_ context.Context, p *domain.Position) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.DeviceID] = p
	return nil
}

func (c *fakeCache) LastPositions(_ context.Context, deviceIDs []int64) ([]*domain.Position, []int64, error) {
	if c.getErr != nil {
		return nil, nil, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits []*domain.Position
	var misses []int64
	for _, id := range deviceIDs {
		if p, ok := c.entries[id]; ok {
			hits = append(hits, p)
		} else {
			misses = append(misses, id)
		}
	}
	return hits, misses, nil
}

type recordingBus struct {
	mu        sync.Mutex
	positions []*domain.Position
	events    []*domain.Event
}

func (b *recordingBus) PublishPosition(_ context.Context, p *domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append(b.positions, p)
	return nil
}

func (b *recordingBus) PublishEvent(_ context.Context, e *domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

type staticGeofences []*domain.Geofence

func (s staticGeofences) Geofences(context.Context) ([]*domain.Geofence, error) {
	return s, nil
}

type fakeThrottle struct {
	mu     sync.Mutex
	deny   bool
	taken  map[string]bool
	checks int
}

func (t *fakeThrottle) AcquireAlertSlot(_ context.Context, deviceID int64, kind domain.EventKind, ref int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks++
	if t.deny {
		return false, nil
	}
	if t.taken == nil {
		t.taken = make(map[string]bool)
	}
	key := string(kind)
	if t.taken[key] {
		return false, nil
	}
	t.taken[key] = true
	return true, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *fakeSink) InsertEvent(_ context.Context, e *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	return nil
}

func newTestIngestor(store *fakeStore, cache *fakeCache, autoRegister bool) (*Ingestor, *recordingBus) {
	bus := &recordingBus{}
	eval := NewEvaluator(zerolog.Nop(), staticGeofences(nil), &fakeThrottle{}, &fakeSink{}, bus)
	fanout := NewFanout(zerolog.Nop(), bus, eval, 16, 1)
	ing := NewIngestor(zerolog.Nop(), store, cache, bus, eval, fanout, autoRegister)
	return ing, bus
}

func ptr(v float64) *float64 { return &v }

func TestIngestOnePersistsAndCaches(t *testing.T) {
	is := is.New(t)
	store := newFakeStore(&domain.Device{ID: 7, UniqueID: "359587010124900"})
	cache := newFakeCache()
	ing, bus := newTestIngestor(store, cache, false)

	pos, _, err := ing.IngestOne(context.Background(), &PositionInput{
		UniqueID:  "359587010124900",
		Protocol:  "gt06",
		Latitude:  ptr(-23.55),
		Longitude: ptr(-46.63),
		Speed:     42,
		Valid:     true,
	})
	is.NoErr(err)
	is.Equal(pos.DeviceID, int64(7))
	is.Equal(len(store.added), 1)
	is.Equal(cache.entries[7], pos)
	is.Equal(len(bus.positions), 1)
}

func TestIngestOneRejectsMissingCoordinates(t *testing.T) {
	is := is.New(t)
	ing, _ := newTestIngestor(newFakeStore(), newFakeCache(), false)

	_, _, err := ing.IngestOne(context.Background(), &PositionInput{
		UniqueID: "123456789012345",
		Latitude: ptr(10),
	})
	is.True(errors.Is(err, domain.ErrMalformedInput))
}

func TestIngestOneRejectsOutOfRangeCoordinates(t *testing.T) {
	is := is.New(t)
	ing, _ := newTestIngestor(newFakeStore(), newFakeCache(), false)

	_, _, err := ing.IngestOne(context.Background(), &PositionInput{
		UniqueID:  "123456789012345",
		Latitude:  ptr(91),
		Longitude: ptr(0),
	})
	is.True(errors.Is(err, domain.ErrMalformedInput))
}

func TestIngestOneAutoRegistersUnknownDevice(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	ing, _ := newTestIngestor(store, newFakeCache(), true)

	pos, _, err := ing.IngestOne(context.Background(), &PositionInput{
		UniqueID:  "867665030123456",
		Protocol:  "teltonika",
		Latitude:  ptr(54.7),
		Longitude: ptr(25.3),
	})
	is.NoErr(err)

	d, err := store.DeviceByUniqueID(context.Background(), "867665030123456")
	is.NoErr(err)
	is.Equal(d.Protocol, "teltonika")
	is.Equal(pos.DeviceID, d.ID)
}

func TestIngestOneUnknownDeviceWithoutAutoRegister(t *testing.T) {
	is := is.New(t)
	ing, _ := newTestIngestor(newFakeStore(), newFakeCache(), false)

	_, _, err := ing.IngestOne(context.Background(), &PositionInput{
		UniqueID:  "867665030123456",
		Latitude:  ptr(54.7),
		Longitude: ptr(25.3),
	})
	is.True(errors.Is(err, domain.ErrDeviceNotFound))
}

func TestIngestOneDisabledDevice(t *testing.T) {
	is := is.New(t)
	store := newFakeStore(&domain.Device{ID: 3, UniqueID: "disabled-unit", Disabled: true})
	ing, _ := newTestIngestor(store, newFakeCache(), true)

	_, _, err := ing.IngestOne(context.Background(), &PositionInput{
		UniqueID:  "disabled-unit",
		Latitude:  ptr(1),
		Longitude: ptr(1),
	})
	is.True(errors.Is(err, domain.ErrDeviceDisabled))
	is.Equal(len(store.added), 0)
}

func TestIngestBatchCountsPerItem(t *testing.T) {
	is := is.New(t)
	store := newFakeStore(&domain.Device{ID: 1, UniqueID: "unit-1"})
	ing, _ := newTestIngestor(store, newFakeCache(), false)

	inputs := []*PositionInput{
		{UniqueID: "unit-1", Latitude: ptr(1), Longitude: ptr(1)},
		{UniqueID: "unit-1", Latitude: ptr(2)}, // missing longitude
		{UniqueID: "unit-1", Latitude: ptr(2), Longitude: ptr(2)},
		{UniqueID: "unit-1"}, // missing both
		{UniqueID: "unit-1", Latitude: ptr(3), Longitude: ptr(3)},
	}
	res, err := ing.IngestBatch(context.Background(), inputs)
	is.NoErr(err)
	is.Equal(res.Created, 3)
	is.Equal(res.Rejected, 2)
	is.Equal(len(store.batched), 3)
}

func TestIngestBatchSnapshotUsesLatestDeviceTime(t *testing.T) {
	is := is.New(t)
	store := newFakeStore(&domain.Device{ID: 1, UniqueID: "unit-1"})
	cache := newFakeCache()
	ing, _ := newTestIngestor(store, cache, false)

	t2 := time.Date(2026, 8, 28, 12, 10, 0, 0, time.UTC)
	t1 := t2.Add(-10 * time.Minute)

	// Backlog arrives newest first; the snapshot must still reflect t2.
	res, err := ing.IngestBatch(context.Background(), []*PositionInput{
		{UniqueID: "unit-1", Latitude: ptr(10), Longitude: ptr(10), DeviceTime: t2},
		{UniqueID: "unit-1", Latitude: ptr(5), Longitude: ptr(5), DeviceTime: t1},
	})
	is.NoErr(err)
	is.Equal(res.Created, 2)
	is.Equal(len(store.snapshots), 1)
	is.Equal(store.snapshots[0].DeviceTime, t2)
	is.Equal(cache.entries[1].DeviceTime, t2)
}

func TestIngestBatchEmptyAfterRejections(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	ing, _ := newTestIngestor(store, newFakeCache(), false)

	res, err := ing.IngestBatch(context.Background(), []*PositionInput{
		{UniqueID: "ghost", Latitude: ptr(1), Longitude: ptr(1)},
		{Latitude: ptr(1), Longitude: ptr(1)},
	})
	is.NoErr(err)
	is.Equal(res.Created, 0)
	is.Equal(res.Rejected, 2)
	is.Equal(len(store.batched), 0)
}

func TestLatestPositionsCacheHit(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	cache := newFakeCache()
	cached := &domain.Position{DeviceID: 1, Latitude: 1, Longitude: 1}
	cache.entries[1] = cached
	ing, _ := newTestIngestor(store, cache, false)

	got, err := ing.LatestPositions(context.Background(), []int64{1})
	is.NoErr(err)
	is.Equal(len(got), 1)
	is.Equal(got[0], cached)
}

func TestLatestPositionsMissFallsBackAndRepopulates(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	store.latest = []*domain.Position{{DeviceID: 2, Latitude: 2, Longitude: 2}}
	cache := newFakeCache()
	ing, _ := newTestIngestor(store, cache, false)

	got, err := ing.LatestPositions(context.Background(), []int64{2})
	is.NoErr(err)
	is.Equal(len(got), 1)
	is.Equal(got[0].DeviceID, int64(2))
	is.Equal(cache.entries[2].DeviceID, int64(2)) // repopulated
}

func TestLatestPositionsCacheOutageDegradesToStore(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	store.latest = []*domain.Position{{DeviceID: 3}}
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	ing, _ := newTestIngestor(store, cache, false)

	got, err := ing.LatestPositions(context.Background(), []int64{3})
	is.NoErr(err)
	is.Equal(len(got), 1)
}

func TestBuildDerivesDistanceFromSnapshot(t *testing.T) {
	is := is.New(t)
	last := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	device := &domain.Device{
		ID:               1,
		LastPositionTime: last,
		LastLatitude:     0,
		LastLongitude:    0,
	}
	ing, _ := newTestIngestor(newFakeStore(device), newFakeCache(), false)

	pos := ing.build(device, &PositionInput{
		Latitude:   ptr(0),
		Longitude:  ptr(1),
		DeviceTime: last.Add(time.Minute),
	})
	// One degree of longitude at the equator.
	is.True(pos.Distance > 111_000 && pos.Distance < 112_000)

	stale := ing.build(device, &PositionInput{
		Latitude:   ptr(0),
		Longitude:  ptr(1),
		DeviceTime: last.Add(-time.Minute),
	})
	is.Equal(stale.Distance, float64(0))
}

func TestBuildDefaultsTimesAndProtocol(t *testing.T) {
	is := is.New(t)
	device := &domain.Device{ID: 1}
	ing, _ := newTestIngestor(newFakeStore(device), newFakeCache(), false)
	fixed := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	ing.now = func() time.Time { return fixed }

	pos := ing.build(device, &PositionInput{Latitude: ptr(1), Longitude: ptr(1)})
	is.Equal(pos.DeviceTime, fixed)
	is.Equal(pos.FixTime, fixed)
	is.Equal(pos.ServerTime, fixed)
	is.Equal(pos.Protocol, "api")
}
