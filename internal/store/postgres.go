package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geotrack/internal/config"
	"geotrack/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects with retry so the service survives the database
// coming up after it in a compose stack.
func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if lastErr = pool.Ping(ctx); lastErr == nil {
			return &PostgresStore{pool: pool}, nil
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("failed to ping db: %w", lastErr)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── Devices ──────────────────────────────────────────────────

const deviceColumns = `
	id, unique_id, name, protocol, disabled, speed_limit, status,
	COALESCE(last_update, 'epoch'), COALESCE(last_position_time, 'epoch'),
	last_lat, last_lon, last_speed, last_course`

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var d domain.Device
	err := row.Scan(
		&d.ID, &d.UniqueID, &d.Name, &d.Protocol, &d.Disabled, &d.SpeedLimit,
		&d.Status, &d.LastUpdate, &d.LastPositionTime,
		&d.LastLatitude, &d.LastLongitude, &d.LastSpeed, &d.LastCourse,
	)
	if err != nil {
		return nil, err
	}
	if d.LastUpdate.Unix() == 0 {
		d.LastUpdate = time.Time{}
	}
	if d.LastPositionTime.Unix() == 0 {
		d.LastPositionTime = time.Time{}
	}
	// The stored status column is only a hint; online-ness is recomputed
	// against the 5-minute window on every read.
	d.Status = d.EffectiveStatus(time.Now())
	return &d, nil
}

func (s *PostgresStore) DeviceByUniqueID(ctx context.Context, uniqueID string) (*domain.Device, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE unique_id = $1`, uniqueID)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device by unique id: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) DeviceByID(ctx context.Context, id int64) (*domain.Device, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device by id: %w", err)
	}
	return d, nil
}

// CreateDevice auto-registers a device seen for the first time. Concurrent
// connections from the same hardware may race here; ON CONFLICT plus the
// reselect makes the outcome identical either way.
func (s *PostgresStore) CreateDevice(ctx context.Context, d *domain.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (unique_id, name, protocol, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (unique_id) DO NOTHING`,
		d.UniqueID, d.Name, d.Protocol, string(domain.StatusUnknown),
	)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	created, err := s.DeviceByUniqueID(ctx, d.UniqueID)
	if err != nil {
		return err
	}
	*d = *created
	return nil
}

// ── Positions ────────────────────────────────────────────────

// AddPosition persists one position and applies the device snapshot update
// in the same transaction so readers never observe one without the other.
// The snapshot write is guarded: a position whose device time is older than
// the current snapshot still persists, but does not move the device
// backwards.
func (s *PostgresStore) AddPosition(ctx context.Context, p *domain.Position) error {
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO positions
			(device_id, protocol, device_time, fix_time, server_time,
			 valid, latitude, longitude, altitude, speed, course, distance, attributes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		p.DeviceID, p.Protocol, p.DeviceTime, p.FixTime, p.ServerTime,
		p.Valid, p.Latitude, p.Longitude, p.Altitude, p.Speed, p.Course,
		p.Distance, attrs,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	if err := updateSnapshot(ctx, tx, p); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func updateSnapshot(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	_, err := tx.Exec(ctx, `
		UPDATE devices SET
			status = 'online',
			last_update = $2,
			last_position_time = $3,
			last_lat = $4, last_lon = $5, last_speed = $6, last_course = $7,
			protocol = CASE WHEN $8 <> '' THEN $8 ELSE protocol END
		WHERE id = $1
		  AND (last_position_time IS NULL OR last_position_time <= $3)`,
		p.DeviceID, p.ServerTime, p.DeviceTime,
		p.Latitude, p.Longitude, p.Speed, p.Course, p.Protocol,
	)
	if err != nil {
		return fmt.Errorf("update device snapshot: %w", err)
	}
	return nil
}

// UpdateDeviceSnapshot applies the guarded snapshot write outside a position
// insert; the batch path uses it once per device with the chronologically
// latest accepted position.
func (s *PostgresStore) UpdateDeviceSnapshot(ctx context.Context, p *domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := updateSnapshot(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var positionColumns = []string{
	"device_id", "protocol", "device_time", "fix_time", "server_time",
	"valid", "latitude", "longitude", "altitude", "speed", "course",
	"distance", "attributes",
}

// BatchInsertPositions persists accepted batch positions in one CopyFrom.
// Ids are not reported back; batch fan-out evaluation works off the values.
func (s *PostgresStore) BatchInsertPositions(ctx context.Context, positions []*domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	rows := make([][]any, len(positions))
	for i, p := range positions {
		attrs, err := json.Marshal(p.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		rows[i] = []any{
			p.DeviceID, p.Protocol, p.DeviceTime, p.FixTime, p.ServerTime,
			p.Valid, p.Latitude, p.Longitude, p.Altitude, p.Speed, p.Course,
			p.Distance, attrs,
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"positions"},
		positionColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(positions), err)
	}
	return nil
}

func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	defer rows.Close()
	var out []*domain.Position
	for rows.Next() {
		var p domain.Position
		var attrs []byte
		err := rows.Scan(
			&p.ID, &p.DeviceID, &p.Protocol, &p.DeviceTime, &p.FixTime,
			&p.ServerTime, &p.Valid, &p.Latitude, &p.Longitude, &p.Altitude,
			&p.Speed, &p.Course, &p.Distance, &attrs,
		)
		if err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			_ = json.Unmarshal(attrs, &p.Attributes)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

const positionSelect = `
	SELECT id, device_id, protocol, device_time, fix_time, server_time,
	       valid, latitude, longitude, altitude, speed, course, distance, attributes
	FROM positions`

// LatestPositions returns the single most recent position per device,
// ordered by device time descending within each device.
func (s *PostgresStore) LatestPositions(ctx context.Context, deviceIDs []int64) ([]*domain.Position, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, positionSelect+`
		WHERE id IN (
			SELECT DISTINCT ON (device_id) id
			FROM positions
			WHERE device_id = ANY($1)
			ORDER BY device_id, device_time DESC
		)`, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	return scanPositions(rows)
}

// PositionsRange returns positions for one device in [from, to], ascending.
func (s *PostgresStore) PositionsRange(ctx context.Context, deviceID int64, from, to time.Time) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx, positionSelect+`
		WHERE device_id = $1 AND device_time >= $2 AND device_time <= $3
		ORDER BY device_time ASC`, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("positions range: %w", err)
	}
	return scanPositions(rows)
}

// ── Geofences ────────────────────────────────────────────────

func (s *PostgresStore) Geofences(ctx context.Context) ([]*domain.Geofence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, geometry, schedule, alerts, active,
		       COALESCE(device_ids, '{}')
		FROM geofences WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("geofences: %w", err)
	}
	defer rows.Close()

	var out []*domain.Geofence
	for rows.Next() {
		var g domain.Geofence
		var geometry, schedule, alerts []byte
		if err := rows.Scan(&g.ID, &g.Name, &g.Type, &geometry, &schedule, &alerts, &g.Active, &g.DeviceIDs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(geometry, &g.Geometry); err != nil {
			return nil, fmt.Errorf("geofence %d geometry: %w", g.ID, err)
		}
		if len(schedule) > 0 && string(schedule) != "null" {
			g.Schedule = &domain.Schedule{}
			if err := json.Unmarshal(schedule, g.Schedule); err != nil {
				return nil, fmt.Errorf("geofence %d schedule: %w", g.ID, err)
			}
		}
		if len(alerts) > 0 && string(alerts) != "null" {
			if err := json.Unmarshal(alerts, &g.Alerts); err != nil {
				return nil, fmt.Errorf("geofence %d alerts: %w", g.ID, err)
			}
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// ── Events ───────────────────────────────────────────────────

func (s *PostgresStore) InsertEvent(ctx context.Context, e *domain.Event) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (kind, device_id, position_id, geofence_id, value, created_at)
		VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), $5, $6)
		RETURNING id`,
		string(e.Kind), e.DeviceID, e.PositionID, e.GeofenceID, e.Value, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
