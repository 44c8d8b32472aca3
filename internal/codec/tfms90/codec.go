// Package tfms90 implements the TFMS90 text protocol: ASCII frames
// delimited by '$' ... '#?' with comma-separated fields.
package tfms90

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

// Field indices of the comma-split frame. Index 0 is the '$' itself.
const (
	idxToken  = 1
	idxType   = 2
	idxDevice = 3
	idxTrip   = 4
	idxTime   = 5
	idxLat    = 6
	idxLon    = 7
)

// TD payload indices.
const (
	tdIdxSpeed      = 8
	tdIdxHeading    = 9
	tdIdxSatellites = 10
	tdIdxHDOP       = 11
	tdIdxFuel       = 12
	tdIdxOdometer   = 13
	tdIdxStatus     = 14
	tdIdxGSM        = 15
	tdIdxAnalog     = 16
	tdIdxBattery    = 17
	tdIdxTemp       = 18
)

// TE payload indices (trip summary after lat/lon).
const (
	teIdxStartTime = 8
	teIdxEndTime   = 9
	teIdxDuration  = 10
	teIdxDistance  = 11
	teIdxStartFuel = 12
	teIdxEndFuel   = 13
	teIdxStartLat  = 14
	teIdxStartLon  = 15
)

// FLF/FLD payload indices.
const (
	fuelIdxBefore = 8
	fuelIdxAfter  = 9
	fuelIdxAmount = 10
)

// epoch2000 is the base of the protocol's hex timestamps.
var epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrShortFrame = errors.New("tfms90: frame has too few fields")
	ErrNotLogin   = errors.New("tfms90: frame is not an LG message")
	ErrBadIMEI    = errors.New("tfms90: login IMEI is not 15 digits")
)

// Frame is one complete '$'...'#?' frame, split on commas.
type Frame struct {
	Token  string
	Type   string
	Device string
	Fields []string
	Raw    []byte
}

// AckToken returns the token to echo in the acknowledgement for this
// frame. Devices match data-frame acks against the trip number field, so
// it takes precedence over the leading token when present.
func (f *Frame) AckToken() string {
	if len(f.Fields) > idxTrip && f.Fields[idxTrip] != "" {
		return f.Fields[idxTrip]
	}
	return f.Token
}

// Login carries the LG payload up to the connection handler, which owns
// the registration flow against the store.
type Login struct {
	IMEI     string
	Firmware string
	ICCID    string
}

// Decoder is a streaming frame extractor. Feed appends raw socket bytes;
// Next returns complete frames as they become available. Bytes before the
// next '$' are discarded as garbage.
type Decoder struct {
	buf   []byte
	clock clockwork.Clock
}

func NewDecoder(clock clockwork.Clock) *Decoder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Decoder{clock: clock}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a frame terminator.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next scans for the next complete frame. It returns (nil, false) when the
// buffer holds no complete frame yet.
func (d *Decoder) Next() (*Frame, bool) {
	start := bytes.IndexByte(d.buf, '$')
	if start < 0 {
		// Nothing but garbage; keep the buffer empty.
		d.buf = d.buf[:0]
		return nil, false
	}
	if start > 0 {
		d.buf = d.buf[start:]
	}

	end := bytes.IndexByte(d.buf, '#')
	if end < 0 {
		return nil, false
	}

	raw := d.buf[:end]
	consume := end + 1
	if consume < len(d.buf) && d.buf[consume] == '?' {
		consume++
	}
	frame := parseFrame(raw)
	d.buf = d.buf[consume:]
	if frame == nil {
		// Too short to carry a message type; treat as garbage.
		return d.Next()
	}
	return frame, true
}

func parseFrame(raw []byte) *Frame {
	text := strings.TrimRight(string(raw), ", \t")
	fields := strings.Split(text, ",")
	if len(fields) <= idxDevice {
		return nil
	}
	return &Frame{
		Token:  fields[idxToken],
		Type:   strings.ToUpper(fields[idxType]),
		Device: fields[idxDevice],
		Fields: fields,
		Raw:    append([]byte(nil), raw...),
	}
}

// Parse converts a non-LG frame into one telemetry record keyed by
// deviceKey. Position-bearing types shorter than their coordinate fields
// fail; the caller drops the frame without acking and resyncs on the
// next '$'. Unknown message types yield a record with empty telemetry so
// that the frame can still be acknowledged and device-side retries cease.
func (d *Decoder) Parse(f *Frame, deviceKey string) (*telemetry.Record, error) {
	if positionTypes[f.Type] && len(f.Fields) <= idxLon {
		return nil, fmt.Errorf("%w: %s frame with %d fields", ErrShortFrame, f.Type, len(f.Fields))
	}

	rec := &telemetry.Record{
		DeviceKey:   deviceKey,
		Timestamp:   d.timestamp(f),
		Protocol:    telemetry.ProtocolTFMS90,
		MessageType: f.Type,
		Extras:      map[string]any{"short_device_id": f.Device},
	}
	if len(f.Fields) > idxTrip && f.Fields[idxTrip] != "" {
		rec.Extras["trip_number"] = f.Fields[idxTrip]
	}

	switch f.Type {
	case "TD", "TDA":
		rec.MessageType = "TD"
		d.parseTrackingData(f, rec)
	case "TS":
		d.parsePosition(f, rec)
		rec.Extras["event_type"] = "trip_start"
	case "TE":
		d.parsePosition(f, rec)
		rec.Extras["event_type"] = "trip_end"
		d.parseTripEnd(f, rec)
	case "FLF", "FLD":
		d.parsePosition(f, rec)
		if f.Type == "FLF" {
			rec.Extras["event_type"] = "fuel_fill"
		} else {
			rec.Extras["event_type"] = "fuel_drain"
		}
		d.parseFuelEvent(f, rec)
	case "HA2", "HB2", "HC2":
		d.parsePosition(f, rec)
		rec.Extras["event_type"] = harshEvents[f.Type]
		if v := floatField(f, 8); v != nil {
			rec.Extras["event_value"] = *v
		}
	case "OS3":
		d.parsePosition(f, rec)
		rec.Extras["event_type"] = "overspeed"
		rec.Speed = floatField(f, 8)
		if v := floatField(f, 9); v != nil {
			rec.Extras["speed_limit"] = *v
		}
	case "HB", "STAT":
		rec.Extras["status_type"] = strings.ToLower(f.Type)
	default:
		// Store-with-empty-telemetry: the device stops retrying once the
		// frame is acknowledged, and the raw type stays queryable.
		rec.Extras["unhandled"] = true
	}
	return rec, nil
}

var harshEvents = map[string]string{
	"HA2": "harsh_acceleration",
	"HB2": "harsh_braking",
	"HC2": "harsh_cornering",
}

// positionTypes are the message types whose payload starts with lat/lon.
var positionTypes = map[string]bool{
	"TD": true, "TDA": true, "TS": true, "TE": true,
	"FLF": true, "FLD": true, "HA2": true, "HB2": true,
	"HC2": true, "OS3": true,
}

func (d *Decoder) parseTrackingData(f *Frame, rec *telemetry.Record) {
	d.parsePosition(f, rec)
	rec.Speed = floatField(f, tdIdxSpeed)
	rec.Heading = floatField(f, tdIdxHeading)
	rec.Satellites = intField(f, tdIdxSatellites)
	rec.FuelLevel = floatField(f, tdIdxFuel)
	rec.Ignition = statusIgnition(field(f, tdIdxStatus))

	putFloat(rec.Extras, "hdop", floatField(f, tdIdxHDOP))
	putFloat(rec.Extras, "fuel_level", rec.FuelLevel)
	putFloat(rec.Extras, "odometer", floatField(f, tdIdxOdometer))
	if s := field(f, tdIdxStatus); s != "" {
		rec.Extras["status_flags"] = s
	}
	putFloat(rec.Extras, "gsm_signal", floatField(f, tdIdxGSM))
	putFloat(rec.Extras, "analog_input", floatField(f, tdIdxAnalog))
	putFloat(rec.Extras, "battery_voltage", floatField(f, tdIdxBattery))
	putFloat(rec.Extras, "temperature", floatField(f, tdIdxTemp))
}

func (d *Decoder) parseTripEnd(f *Frame, rec *telemetry.Record) {
	trip := &telemetry.TripSummary{
		DurationSeconds: floatField(f, teIdxDuration),
		DistanceKm:      floatField(f, teIdxDistance),
		StartFuel:       floatField(f, teIdxStartFuel),
		EndFuel:         floatField(f, teIdxEndFuel),
		StartLatitude:   coordField(f, teIdxStartLat, 90),
		StartLongitude:  coordField(f, teIdxStartLon, 180),
	}
	if ts, err := parseTimestamp(field(f, teIdxStartTime)); err == nil {
		trip.StartTimestamp = &ts
	}
	if ts, err := parseTimestamp(field(f, teIdxEndTime)); err == nil {
		trip.EndTimestamp = &ts
	}
	rec.Trip = trip
}

func (d *Decoder) parseFuelEvent(f *Frame, rec *telemetry.Record) {
	putFloat(rec.Extras, "fuel_before", floatField(f, fuelIdxBefore))
	putFloat(rec.Extras, "fuel_after", floatField(f, fuelIdxAfter))
	putFloat(rec.Extras, "amount", floatField(f, fuelIdxAmount))
	rec.FuelLevel = floatField(f, fuelIdxAfter)
	putFloat(rec.Extras, "fuel_level", rec.FuelLevel)
}

func (d *Decoder) parsePosition(f *Frame, rec *telemetry.Record) {
	rec.Latitude = coordField(f, idxLat, 90)
	rec.Longitude = coordField(f, idxLon, 180)
}

// timestamp decodes the frame's hex timestamp field, falling back to the
// wall clock for frames that omit it (heartbeats and status pings).
func (d *Decoder) timestamp(f *Frame) time.Time {
	ts, err := parseTimestamp(field(f, idxTime))
	if err != nil {
		return d.clock.Now().UTC()
	}
	return ts
}

// ParseLogin extracts the LG payload: IMEI, firmware version, SIM ICCID.
func ParseLogin(f *Frame) (*Login, error) {
	if f.Type != "LG" {
		return nil, ErrNotLogin
	}
	if len(f.Fields) < 6 {
		return nil, ErrShortFrame
	}
	imei := f.Fields[idxDevice]
	if len(imei) != 15 || !allDigits(imei) {
		return nil, fmt.Errorf("%w: %q", ErrBadIMEI, imei)
	}
	return &Login{
		IMEI:     imei,
		Firmware: f.Fields[4],
		ICCID:    f.Fields[5],
	}, nil
}

// LoginAck builds the registration acknowledgement carrying the
// server-assigned short device ID.
func LoginAck(token string, shortID int) []byte {
	return []byte(fmt.Sprintf("$,%s,ACK,%d,#?", token, shortID))
}

// DataAck acknowledges a data frame: token echoed from the frame, the
// connection's bound short ID, and the record count.
func DataAck(token, shortID string, count int) []byte {
	return []byte(fmt.Sprintf("$,%s,ACK,%s,%d,#?", token, shortID, count))
}

func parseTimestamp(hex string) (time.Time, error) {
	if hex == "" {
		return time.Time{}, errors.New("tfms90: empty timestamp")
	}
	secs, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("tfms90: bad timestamp %q: %w", hex, err)
	}
	return epoch2000.Add(time.Duration(secs) * time.Second), nil
}

// statusIgnition decodes the TD status-flags hex byte; bit 0 is ACC.
// Invalid hex leaves ignition unknown rather than defaulting it.
func statusIgnition(s string) *bool {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return nil
	}
	return telemetry.Bool(v&0x01 == 0x01)
}

func field(f *Frame, i int) string {
	if i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

func floatField(f *Frame, i int) *float64 {
	s := field(f, i)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func intField(f *Frame, i int) *int {
	s := field(f, i)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// coordField parses a coordinate and nulls it when out of range. The
// record itself is never dropped for a bad coordinate.
func coordField(f *Frame, i int, limit float64) *float64 {
	v := floatField(f, i)
	if v == nil {
		return nil
	}
	if *v < -limit || *v > limit {
		return nil
	}
	return v
}

func putFloat(extras map[string]any, key string, v *float64) {
	if v != nil {
		extras[key] = *v
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
