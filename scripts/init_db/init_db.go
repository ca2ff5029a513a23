package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "geotrack"),
		dbGetEnv("DB_PASSWORD", "geotrack"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "geotrack"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	// Run all steps in order
	step1_devices_table(ctx, conn)
	step2_positions_table(ctx, conn)
	step3_geofences_table(ctx, conn)
	step4_events_table(ctx, conn)
	step5_indexes(ctx, conn)
	step6_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/simulator")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — devices table
// ─────────────────────────────────────────────────────────────
func step1_devices_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: devices table ───────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS devices (

			id                   BIGSERIAL        PRIMARY KEY,

			-- Vendor-assigned identifier (IMEI or similar); the TCP
			-- decoders resolve devices by this value
			unique_id            TEXT             NOT NULL UNIQUE,

			name                 TEXT             NOT NULL DEFAULT '',
			protocol             TEXT             NOT NULL DEFAULT '',

			-- Disabled devices keep their history but reject new positions
			disabled             BOOLEAN          NOT NULL DEFAULT false,

			-- Per-device overspeed threshold in km/h, 0 = none
			speed_limit          DOUBLE PRECISION NOT NULL DEFAULT 0,

			status               TEXT             NOT NULL DEFAULT 'unknown',
			last_update          TIMESTAMPTZ,

			-- Snapshot of the chronologically latest position; the guarded
			-- update keeps out-of-order arrivals from moving it backwards
			last_position_time   TIMESTAMPTZ,
			last_lat             DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_lon             DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_speed           DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_course          DOUBLE PRECISION NOT NULL DEFAULT 0,

			CONSTRAINT chk_status CHECK (
				status IN ('online', 'offline', 'unknown')
			)
		);
	`, "devices table created")
}

// ─────────────────────────────────────────────────────────────
// Step 2 — positions table
// ─────────────────────────────────────────────────────────────
func step2_positions_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: positions table ─────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS positions (

			id            BIGSERIAL        PRIMARY KEY,
			device_id     BIGINT           NOT NULL REFERENCES devices(id),
			protocol      TEXT             NOT NULL DEFAULT '',

			-- Device clock, GPS fix time and server receipt time are kept
			-- apart; device clocks drift
			device_time   TIMESTAMPTZ      NOT NULL,
			fix_time      TIMESTAMPTZ      NOT NULL,
			server_time   TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			valid         BOOLEAN          NOT NULL DEFAULT false,
			latitude      DOUBLE PRECISION NOT NULL,
			longitude     DOUBLE PRECISION NOT NULL,
			altitude      DOUBLE PRECISION NOT NULL DEFAULT 0,
			speed         DOUBLE PRECISION NOT NULL DEFAULT 0,
			course        DOUBLE PRECISION NOT NULL DEFAULT 0,

			-- Meters from the previous position, derived at ingest time
			distance      DOUBLE PRECISION NOT NULL DEFAULT 0,

			attributes    JSONB
		);
	`, "positions table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — geofences table
// ─────────────────────────────────────────────────────────────
func step3_geofences_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: geofences table ─────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofences (

			id          BIGSERIAL  PRIMARY KEY,
			name        TEXT       NOT NULL,

			-- Must exactly match domain.GeofenceType constants
			type        TEXT       NOT NULL,

			-- Geometry variant matching the type (center/radius, ring,
			-- line/width); schedule and alerts mirror the domain structs
			geometry    JSONB      NOT NULL,
			schedule    JSONB,
			alerts      JSONB,

			active      BOOLEAN    NOT NULL DEFAULT true,

			-- Empty/NULL applies the geofence to every device
			device_ids  BIGINT[],

			CONSTRAINT chk_type CHECK (
				type IN ('circle', 'polygon', 'rectangle', 'route')
			)
		);
	`, "geofences table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — events table
// ─────────────────────────────────────────────────────────────
func step4_events_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: events table ────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS events (

			id           BIGSERIAL        PRIMARY KEY,

			-- Must exactly match domain.EventKind constants
			kind         TEXT             NOT NULL,

			device_id    BIGINT           NOT NULL REFERENCES devices(id),

			-- NULL for batch-ingested positions (CopyFrom reports no ids)
			position_id  BIGINT,
			geofence_id  BIGINT           REFERENCES geofences(id),

			-- The value that triggered the alert, e.g. speed in km/h for
			-- overspeed or dwell minutes for geofenceDwell
			value        DOUBLE PRECISION NOT NULL DEFAULT 0,

			created_at   TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_kind CHECK (
				kind IN ('geofenceEnter', 'geofenceExit', 'geofenceDwell',
				         'speedLimit', 'deviceOverspeed')
			)
		);
	`, "events table created")
}

// ─────────────────────────────────────────────────────────────
// Step 5 — Indexes
// ─────────────────────────────────────────────────────────────
func step5_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_positions_device_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_positions_device_time
				  ON positions (device_id, device_time DESC);`,
			why: "query: history and latest position per device",
		},
		{
			name: "idx_positions_server_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_positions_server_time
				  ON positions (server_time DESC);`,
			why: "query: recent ingestion activity",
		},
		{
			name: "idx_events_device_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_events_device_time
				  ON events (device_id, created_at DESC);`,
			why: "query: alerts for one device",
		},
		{
			name: "idx_geofences_active",
			sql: `CREATE INDEX IF NOT EXISTS idx_geofences_active
				  ON geofences (active) WHERE active;`,
			why: "query: active geofence set (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 6 — Verify everything was created
// ─────────────────────────────────────────────────────────────
func step6_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Verification ────────────────────────")

	tables := []string{"devices", "positions", "geofences", "events"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('devices', 'positions', 'geofences', 'events')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
