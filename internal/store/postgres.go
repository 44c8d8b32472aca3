package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

// Postgres implements Gateway on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, log *slog.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// EnsureSchema creates the tables the core touches if they do not exist.
// The store is owned externally in production; this exists for fresh
// deployments and local development.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			device_id TEXT NOT NULL UNIQUE,
			imei TEXT UNIQUE,
			protocol TEXT,
			short_device_id INTEGER,
			firmware_version TEXT,
			sim_iccid TEXT,
			last_seen TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (protocol, short_device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_data (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			satellites INTEGER,
			fuel_level DOUBLE PRECISION,
			ignition BOOLEAN,
			protocol TEXT NOT NULL,
			message_type TEXT,
			start_timestamp TIMESTAMPTZ,
			end_timestamp TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION,
			start_fuel DOUBLE PRECISION,
			end_fuel DOUBLE PRECISION,
			distance_km DOUBLE PRECISION,
			start_latitude DOUBLE PRECISION,
			start_longitude DOUBLE PRECISION,
			io_elements JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts
			ON telemetry_data (device_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS short_id_counters (
			protocol TEXT PRIMARY KEY,
			next_id INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) LookupByIMEI(ctx context.Context, imei string) (*Device, error) {
	const q = `
		SELECT id, device_id, COALESCE(imei, ''), COALESCE(protocol, ''),
		       short_device_id, COALESCE(firmware_version, ''),
		       COALESCE(sim_iccid, ''), COALESCE(last_seen, 'epoch'::timestamptz),
		       is_active
		FROM devices WHERE imei = $1 LIMIT 1`

	var d Device
	err := p.pool.QueryRow(ctx, q, imei).Scan(
		&d.ID, &d.CanonicalKey, &d.IMEI, &d.Protocol,
		&d.ShortID, &d.Firmware, &d.SIMICCID, &d.LastSeen, &d.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device by imei: %w", err)
	}
	return &d, nil
}

func (p *Postgres) LookupByShortID(ctx context.Context, protocol string, shortID int) (*Device, error) {
	const q = `
		SELECT id, device_id, COALESCE(imei, ''), COALESCE(protocol, ''),
		       short_device_id, COALESCE(firmware_version, ''),
		       COALESCE(sim_iccid, ''), COALESCE(last_seen, 'epoch'::timestamptz),
		       is_active
		FROM devices WHERE protocol = $1 AND short_device_id = $2 LIMIT 1`

	var d Device
	err := p.pool.QueryRow(ctx, q, protocol, shortID).Scan(
		&d.ID, &d.CanonicalKey, &d.IMEI, &d.Protocol,
		&d.ShortID, &d.Firmware, &d.SIMICCID, &d.LastSeen, &d.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device by short id: %w", err)
	}
	return &d, nil
}

// AllocateShortID is serialized by the counter row's own row lock: the
// upsert takes it for the duration of the implicit transaction, so two
// simultaneous first-contact devices get distinct ids. The first
// allocation seeds the counter past any short IDs assigned directly in
// the devices table, so the UNIQUE (protocol, short_device_id)
// constraint cannot fail a later registration.
func (p *Postgres) AllocateShortID(ctx context.Context, protocol string) (int, error) {
	const q = `
		INSERT INTO short_id_counters (protocol, next_id)
		VALUES ($1, GREATEST(
			100,
			COALESCE((SELECT MAX(short_device_id) FROM devices WHERE protocol = $1), 99) + 1
		))
		ON CONFLICT (protocol)
		DO UPDATE SET next_id = short_id_counters.next_id + 1
		RETURNING next_id`

	var id int
	if err := p.pool.QueryRow(ctx, q, protocol).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate short id: %w", err)
	}
	return id, nil
}

func (p *Postgres) RegisterDevice(ctx context.Context, id uuid.UUID, patch RegisterPatch) error {
	const q = `
		UPDATE devices
		SET device_id = $2, short_device_id = $3, protocol = $4,
		    firmware_version = $5, sim_iccid = $6, last_seen = $7, is_active = $8
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, q,
		id, patch.CanonicalKey, patch.ShortID, patch.Protocol,
		patch.Firmware, patch.ICCID, patch.LastSeen, patch.Active,
	)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("register device %s: %w", id, ErrDeviceNotFound)
	}
	return nil
}

func (p *Postgres) TouchLastSeen(ctx context.Context, canonicalKey string, ts time.Time) error {
	const q = `UPDATE devices SET last_seen = $2 WHERE device_id = $1`
	if _, err := p.pool.Exec(ctx, q, canonicalKey, ts); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// InsertTelemetry writes the fixed column list. The column set is closed:
// extras travel as one JSONB value and promoted trip fields have their own
// columns, so no record shape can introduce an unknown column.
func (p *Postgres) InsertTelemetry(ctx context.Context, rec *telemetry.Record) (int64, error) {
	const q = `
		INSERT INTO telemetry_data (
			device_id, timestamp, latitude, longitude, altitude, speed,
			heading, satellites, fuel_level, ignition, protocol, message_type,
			start_timestamp, end_timestamp, duration_seconds, start_fuel,
			end_fuel, distance_km, start_latitude, start_longitude, io_elements
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21
		) RETURNING id`

	trip := rec.Trip
	if trip == nil {
		trip = &telemetry.TripSummary{}
	}

	var id int64
	err := p.pool.QueryRow(ctx, q,
		rec.DeviceKey, rec.Timestamp, rec.Latitude, rec.Longitude,
		rec.Altitude, rec.Speed, rec.Heading, rec.Satellites,
		rec.FuelLevel, rec.Ignition, rec.Protocol, rec.MessageType,
		trip.StartTimestamp, trip.EndTimestamp, trip.DurationSeconds,
		trip.StartFuel, trip.EndFuel, trip.DistanceKm,
		trip.StartLatitude, trip.StartLongitude,
		rec.Extras,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert telemetry: %w", err)
	}
	return id, nil
}

func (p *Postgres) RegisteredIMEIs(ctx context.Context) ([]string, error) {
	const q = `SELECT imei FROM devices WHERE imei IS NOT NULL AND is_active`

	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list registered imeis: %w", err)
	}
	defer rows.Close()

	var imeis []string
	for rows.Next() {
		var imei string
		if err := rows.Scan(&imei); err != nil {
			return nil, fmt.Errorf("scan imei: %w", err)
		}
		imeis = append(imeis, imei)
	}
	return imeis, rows.Err()
}
