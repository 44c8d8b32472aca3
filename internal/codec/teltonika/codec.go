// Package teltonika implements the Teltonika AVL binary protocol for
// Codec 8 and Codec 8 Extended: the initial IMEI greeting followed by
// CRC-protected AVL packets.
package teltonika

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

const (
	Codec8  = 0x08
	Codec8E = 0x8E

	// MessageType tags every AVL record in the telemetry table.
	MessageType = "codec_0x8"

	headerLen = 8 // preamble + data field length
	crcLen    = 4

	// maxDataLen bounds the declared data field length. Real devices batch
	// well under this; anything larger is a corrupt or hostile stream.
	maxDataLen = 64 * 1024

	maxIMEILen = 32
)

var (
	ErrBadPreamble = errors.New("teltonika: packet preamble is not zero")
	ErrBadGreeting = errors.New("teltonika: malformed IMEI greeting")
	ErrTruncated   = errors.New("teltonika: data field shorter than declared")
)

// Named IO element ids promoted out of the raw io_<id> extras.
const (
	ioEngineHours     = 15
	ioOdometer        = 16
	ioExternalVoltage = 66
	ioBatteryVoltage  = 67
	ioFuelLevel       = 70
	ioIgnition        = 239
	ioMovement        = 240
)

// Batch is one decoded AVL packet. When the CRC does not match, CRCOK is
// false and Records is empty; the caller acknowledges zero records and
// keeps the connection open.
type Batch struct {
	CodecID  byte
	Declared int
	Records  []*telemetry.Record
	CRCOK    bool
}

// Decoder buffers the raw TCP stream and extracts the greeting and AVL
// packets as complete framings arrive.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Greeting extracts the initial IMEI framing: two-byte big-endian length
// followed by that many ASCII digits. ok is false until enough bytes have
// arrived.
func (d *Decoder) Greeting() (imei string, ok bool, err error) {
	if len(d.buf) < 2 {
		return "", false, nil
	}
	n := int(binary.BigEndian.Uint16(d.buf[:2]))
	if n == 0 || n > maxIMEILen {
		return "", false, fmt.Errorf("%w: length %d", ErrBadGreeting, n)
	}
	if len(d.buf) < 2+n {
		return "", false, nil
	}
	imei = string(d.buf[2 : 2+n])
	for _, r := range imei {
		if r < '0' || r > '9' {
			return "", false, fmt.Errorf("%w: %q", ErrBadGreeting, imei)
		}
	}
	d.buf = d.buf[2+n:]
	return imei, true, nil
}

// GreetingAck is the single-byte accept/reject answer to the greeting.
func GreetingAck(accept bool) []byte {
	if accept {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// Ack acknowledges an AVL packet with the accepted record count.
func Ack(n int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(n))
	return out
}

// Next extracts the next complete AVL packet, keying records by
// deviceKey. It returns (nil, nil) while the buffer holds a partial
// packet. Errors are fatal to the connection: a binary stream with a bad
// preamble has no delimiter to resync on.
func (d *Decoder) Next(deviceKey string) (*Batch, error) {
	if len(d.buf) < headerLen {
		return nil, nil
	}
	if preamble := binary.BigEndian.Uint32(d.buf[:4]); preamble != 0 {
		return nil, fmt.Errorf("%w: %08x", ErrBadPreamble, preamble)
	}
	dataLen := int(binary.BigEndian.Uint32(d.buf[4:8]))
	if dataLen < 2 || dataLen > maxDataLen {
		return nil, fmt.Errorf("teltonika: implausible data field length %d", dataLen)
	}
	total := headerLen + dataLen + crcLen
	if len(d.buf) < total {
		return nil, nil
	}

	data := d.buf[headerLen : headerLen+dataLen]
	wire := binary.BigEndian.Uint32(d.buf[headerLen+dataLen : total])
	d.buf = d.buf[total:]

	batch := &Batch{CodecID: data[0], Declared: int(data[1])}
	if uint32(Checksum(data)) != wire {
		return batch, nil
	}
	batch.CRCOK = true

	if batch.CodecID != Codec8 && batch.CodecID != Codec8E {
		// Intact packet for a codec we do not speak: reject the batch but
		// keep the session alive.
		batch.CRCOK = false
		return batch, nil
	}

	r := &reader{b: data, off: 2}
	for i := 0; i < batch.Declared; i++ {
		rec := parseRecord(r, batch.CodecID, deviceKey)
		if r.err != nil {
			return nil, fmt.Errorf("teltonika: record %d: %w", i, r.err)
		}
		batch.Records = append(batch.Records, rec)
	}
	trailing := int(r.u8())
	if r.err == nil && trailing != batch.Declared {
		// Count fields disagree inside a CRC-valid packet; trust the
		// leading count, as real devices do not hit this path.
		return batch, nil
	}
	return batch, nil
}

func parseRecord(r *reader, codecID byte, deviceKey string) *telemetry.Record {
	ts := time.UnixMilli(int64(r.u64())).UTC()
	priority := r.u8()

	// GPS element: longitude first on the wire.
	lon := float64(r.i32()) / 1e7
	lat := float64(r.i32()) / 1e7
	alt := float64(r.i16())
	angle := float64(r.u16())
	sats := int(r.u8())
	speed := float64(r.u16())

	rec := &telemetry.Record{
		DeviceKey:   deviceKey,
		Timestamp:   ts,
		Protocol:    telemetry.ProtocolTeltonika,
		MessageType: MessageType,
		Extras:      map[string]any{"priority": int(priority)},
	}
	if lat >= -90 && lat <= 90 {
		rec.Latitude = &lat
	}
	if lon >= -180 && lon <= 180 {
		rec.Longitude = &lon
	}
	if alt != 0 {
		rec.Altitude = &alt
	}
	if angle <= 360 {
		rec.Heading = &angle
	}
	if sats > 0 {
		rec.Satellites = &sats
	}
	if speed > 0 {
		rec.Speed = &speed
	}

	parseIOElements(r, codecID, rec)
	return rec
}

func parseIOElements(r *reader, codecID byte, rec *telemetry.Record) {
	rec.Extras["event_io_id"] = int(r.id(codecID))
	_ = r.count(codecID) // total IO count; the per-size groups are authoritative

	for _, size := range []int{1, 2, 4, 8} {
		n := int(r.count(codecID))
		for i := 0; i < n && r.err == nil; i++ {
			id := int(r.id(codecID))
			var v uint64
			switch size {
			case 1:
				v = uint64(r.u8())
			case 2:
				v = uint64(r.u16())
			case 4:
				v = uint64(r.u32())
			case 8:
				v = r.u64()
			}
			applyIO(rec, id, v)
		}
	}

	if codecID == Codec8E {
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			id := int(r.u16())
			vlen := int(r.u16())
			v := r.take(vlen)
			rec.Extras[fmt.Sprintf("io_%d_var", id)] = fmt.Sprintf("%x", v)
		}
	}
}

// applyIO maps well-known Teltonika IO ids onto record fields; everything
// else is kept raw under io_<id>.
func applyIO(rec *telemetry.Record, id int, v uint64) {
	switch id {
	case ioIgnition:
		rec.Ignition = telemetry.Bool(v != 0)
	case ioMovement:
		rec.Extras["movement"] = v != 0
	case ioFuelLevel:
		f := float64(v)
		rec.FuelLevel = &f
		rec.Extras["fuel_level"] = f
	case ioOdometer:
		rec.Extras["odometer"] = float64(v) / 1000.0
	case ioBatteryVoltage:
		rec.Extras["battery_voltage"] = float64(v) / 1000.0
	case ioExternalVoltage:
		rec.Extras["external_voltage"] = float64(v) / 1000.0
	case ioEngineHours:
		rec.Extras["engine_hours"] = float64(v) / 3600.0
	default:
		rec.Extras[fmt.Sprintf("io_%d", id)] = v
	}
}

// reader walks the data field with a latched bounds error, so parse code
// stays linear instead of checking every read.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = ErrTruncated
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i16() int16 { return int16(r.u16()) }
func (r *reader) i32() int32 { return int32(r.u32()) }

// id reads an IO element id: two bytes on Codec 8E, one on Codec 8.
func (r *reader) id(codecID byte) uint16 {
	if codecID == Codec8E {
		return r.u16()
	}
	return uint16(r.u8())
}

// count reads an IO element count, sized like ids.
func (r *reader) count(codecID byte) uint16 {
	return r.id(codecID)
}
