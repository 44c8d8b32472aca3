// Package store is the narrow data-access layer between the ingest core
// and the relational store. All SQL and JSONB handling lives behind the
// Gateway interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

// ErrDeviceNotFound is returned by LookupByIMEI for IMEIs with no
// pre-registered device row.
var ErrDeviceNotFound = errors.New("store: device not found")

// Device is one physical tracker's row. ShortID is nil until the first
// successful login assigns one.
type Device struct {
	ID           uuid.UUID
	CanonicalKey string
	IMEI         string
	Protocol     string
	ShortID      *int
	Firmware     string
	SIMICCID     string
	LastSeen     time.Time
	Active       bool
}

// RegisterPatch is the set of fields rewritten when a login binds a
// pre-registered device.
type RegisterPatch struct {
	CanonicalKey string
	ShortID      int
	Protocol     string
	Firmware     string
	ICCID        string
	LastSeen     time.Time
	Active       bool
}

// Gateway is the only thing the ingest core sees of the database. It must
// be safe for concurrent callers; a bounded connection pool mediates
// access underneath.
type Gateway interface {
	// LookupByIMEI returns the device row for a 15-digit IMEI, or
	// ErrDeviceNotFound.
	LookupByIMEI(ctx context.Context, imei string) (*Device, error)

	// LookupByShortID returns the device row holding a protocol short ID,
	// or ErrDeviceNotFound. Every telemetry row must trace back to a
	// device row, so reconnects claiming a short ID are verified here
	// before any frame is accepted.
	LookupByShortID(ctx context.Context, protocol string, shortID int) (*Device, error)

	// AllocateShortID hands out the next short device ID for a protocol,
	// starting at 100, strictly increasing, never reused. An allocation
	// whose follow-up registration fails is simply lost.
	AllocateShortID(ctx context.Context, protocol string) (int, error)

	// RegisterDevice rewrites the identity fields of an existing device row.
	RegisterDevice(ctx context.Context, id uuid.UUID, patch RegisterPatch) error

	// TouchLastSeen updates a device's last-seen timestamp by canonical key.
	TouchLastSeen(ctx context.Context, canonicalKey string, ts time.Time) error

	// InsertTelemetry persists one record and returns its row id. The
	// extras map is written whole to the JSONB column; it is never
	// expanded into top-level columns.
	InsertTelemetry(ctx context.Context, rec *telemetry.Record) (int64, error)

	// RegisteredIMEIs returns the IMEIs of active devices. Diagnostics
	// only; never consulted on the parsing path.
	RegisteredIMEIs(ctx context.Context) ([]string, error)
}
