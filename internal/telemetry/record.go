// Package telemetry defines the protocol-neutral record produced by the
// wire codecs and consumed by the store gateway.
package telemetry

import (
	"fmt"
	"time"
)

const (
	ProtocolTFMS90    = "tfms90"
	ProtocolTeltonika = "teltonika"
)

// Record is one parsed observation from a device. Top-level fields map to
// fixed columns in the telemetry table; everything protocol-specific lives
// in Extras, which is serialized as a single JSONB column and never
// expanded into columns of its own.
type Record struct {
	DeviceKey   string
	Timestamp   time.Time
	Latitude    *float64
	Longitude   *float64
	Altitude    *float64
	Speed       *float64
	Heading     *float64
	Satellites  *int
	FuelLevel   *float64
	Ignition    *bool
	Protocol    string
	MessageType string

	// Trip is set only for trip-end messages; its fields are written to
	// dedicated columns rather than Extras.
	Trip *TripSummary

	Extras map[string]any
}

// TripSummary carries the trip-end attributes promoted to top-level columns.
type TripSummary struct {
	StartTimestamp  *time.Time
	EndTimestamp    *time.Time
	DurationSeconds *float64
	StartFuel       *float64
	EndFuel         *float64
	DistanceKm      *float64
	StartLatitude   *float64
	StartLongitude  *float64
}

// HasFix reports whether the record carries a usable GPS position. Records
// without a fix are still persisted; downstream mirrors skip them.
func (r *Record) HasFix() bool {
	if r.Latitude == nil || r.Longitude == nil {
		return false
	}
	return *r.Latitude != 0 || *r.Longitude != 0
}

// TFMS90Key builds the canonical device key for a registered TFMS90 device.
func TFMS90Key(shortID int) string {
	return fmt.Sprintf("TFMS90_%d", shortID)
}

func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func Bool(v bool) *bool        { return &v }
