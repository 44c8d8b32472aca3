package tfms90

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

const (
	loginFrame = "$,0,LG,867762040399039,2.0.1,89970000000000000000,#?"
	tdFrame    = "$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0F,03,0.0,12.8,22,#?"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	return NewDecoder(clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestDecoder_Framing(t *testing.T) {
	t.Parallel()

	t.Run("complete frame", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		d.Feed([]byte(tdFrame))
		f, ok := d.Next()
		require.True(t, ok)
		require.Equal(t, "TD", f.Type)
		require.Equal(t, "100", f.Device)
		require.Equal(t, "0", f.Token)
		_, ok = d.Next()
		require.False(t, ok)
		require.Zero(t, d.Buffered())
	})

	t.Run("garbage before frame is discarded", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		d.Feed([]byte("\r\n\x00junk" + loginFrame))
		f, ok := d.Next()
		require.True(t, ok)
		require.Equal(t, "LG", f.Type)
	})

	t.Run("two frames in one read", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		d.Feed([]byte(tdFrame + tdFrame))
		_, ok := d.Next()
		require.True(t, ok)
		_, ok = d.Next()
		require.True(t, ok)
		_, ok = d.Next()
		require.False(t, ok)
	})

	t.Run("partial frame waits for more bytes", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		d.Feed([]byte(tdFrame[:10]))
		_, ok := d.Next()
		require.False(t, ok)
		d.Feed([]byte(tdFrame[10:]))
		f, ok := d.Next()
		require.True(t, ok)
		require.Equal(t, "TD", f.Type)
	})

	t.Run("byte at a time", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		var got *Frame
		for i := 0; i < len(tdFrame); i++ {
			d.Feed([]byte{tdFrame[i]})
			if f, ok := d.Next(); ok {
				require.Nil(t, got, "frame delivered twice")
				got = f
			}
		}
		require.NotNil(t, got)
		require.Equal(t, "TD", got.Type)
	})

	t.Run("terminator split between hash and question mark", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		d.Feed([]byte(tdFrame[:len(tdFrame)-1]))
		f, ok := d.Next()
		require.True(t, ok)
		require.Equal(t, "TD", f.Type)
		// The stray '?' must not corrupt the next frame.
		d.Feed([]byte("?" + loginFrame))
		f, ok = d.Next()
		require.True(t, ok)
		require.Equal(t, "LG", f.Type)
	})

	t.Run("frame with too few fields is skipped", func(t *testing.T) {
		t.Parallel()
		d := newTestDecoder(t)
		d.Feed([]byte("$,1,#?" + tdFrame))
		f, ok := d.Next()
		require.True(t, ok)
		require.Equal(t, "TD", f.Type)
	})
}

func TestFrame_AckToken(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	d.Feed([]byte(tdFrame))
	f, ok := d.Next()
	require.True(t, ok)
	// Trip number takes precedence over the leading token.
	require.Equal(t, "1", f.AckToken())

	d.Feed([]byte("$,7,HB,100,#?"))
	f, ok = d.Next()
	require.True(t, ok)
	require.Equal(t, "7", f.AckToken())
}

func TestParseLogin(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	d.Feed([]byte(loginFrame))
	f, ok := d.Next()
	require.True(t, ok)

	lg, err := ParseLogin(f)
	require.NoError(t, err)
	require.Equal(t, "867762040399039", lg.IMEI)
	require.Equal(t, "2.0.1", lg.Firmware)
	require.Equal(t, "89970000000000000000", lg.ICCID)
}

func TestParseLogin_BadIMEI(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	d.Feed([]byte("$,0,LG,12345,2.0.1,8997,#?"))
	f, ok := d.Next()
	require.True(t, ok)

	_, err := ParseLogin(f)
	require.ErrorIs(t, err, ErrBadIMEI)
}

func TestParse_TrackingData(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t)
	d.Feed([]byte(tdFrame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)

	require.Equal(t, "TFMS90_100", rec.DeviceKey)
	require.Equal(t, telemetry.ProtocolTFMS90, rec.Protocol)
	require.Equal(t, "TD", rec.MessageType)
	require.Equal(t, epoch2000.Add(0x1A2B3C4D*time.Second), rec.Timestamp)
	require.Equal(t, 13.067439, *rec.Latitude)
	require.Equal(t, 80.237617, *rec.Longitude)
	require.Equal(t, 45.0, *rec.Speed)
	require.Equal(t, 270.0, *rec.Heading)
	require.Equal(t, 12, *rec.Satellites)
	require.Equal(t, 45.5, *rec.FuelLevel)
	require.NotNil(t, rec.Ignition)
	require.True(t, *rec.Ignition)
	require.Equal(t, 123456.0, rec.Extras["odometer"])
	require.Equal(t, 12.8, rec.Extras["battery_voltage"])
	require.Equal(t, "0F", rec.Extras["status_flags"])
}

func TestParse_IgnitionOff(t *testing.T) {
	t.Parallel()

	frame := "$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0E,03,0.0,12.8,22,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.NotNil(t, rec.Ignition)
	require.False(t, *rec.Ignition)
}

func TestParse_IgnitionUnknown(t *testing.T) {
	t.Parallel()

	// Non-hex status byte: ignition stays unknown instead of defaulting.
	frame := "$,0,TD,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,ZZ,03,0.0,12.8,22,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Nil(t, rec.Ignition)
}

func TestParse_TDAAliasesToTD(t *testing.T) {
	t.Parallel()

	frame := "$,0,TDA,100,1,1A2B3C4D,13.067439,80.237617,45,270,12,1.2,45.5,123456,0F,03,0.0,12.8,22,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, "TD", rec.MessageType)
}

func TestParse_TripEnd(t *testing.T) {
	t.Parallel()

	frame := "$,0,TE,100,5,1A2B3C4D,13.067439,80.237617,1A2B0000,1A2B3C4D,3600,42.5,60.0,45.5,13.000000,80.200000,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, "TE", rec.MessageType)
	require.Equal(t, "trip_end", rec.Extras["event_type"])

	require.NotNil(t, rec.Trip)
	require.Equal(t, epoch2000.Add(0x1A2B0000*time.Second), *rec.Trip.StartTimestamp)
	require.Equal(t, epoch2000.Add(0x1A2B3C4D*time.Second), *rec.Trip.EndTimestamp)
	require.Equal(t, 3600.0, *rec.Trip.DurationSeconds)
	require.Equal(t, 42.5, *rec.Trip.DistanceKm)
	require.Equal(t, 60.0, *rec.Trip.StartFuel)
	require.Equal(t, 45.5, *rec.Trip.EndFuel)
	require.Equal(t, 13.0, *rec.Trip.StartLatitude)
	require.Equal(t, 80.2, *rec.Trip.StartLongitude)
}

func TestParse_TripStart(t *testing.T) {
	t.Parallel()

	frame := "$,0,TS,100,5,1A2B3C4D,13.067439,80.237617,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, "trip_start", rec.Extras["event_type"])
	require.Equal(t, "5", rec.Extras["trip_number"])
	require.Nil(t, rec.Trip)
}

func TestParse_FuelFill(t *testing.T) {
	t.Parallel()

	frame := "$,0,FLF,100,5,1A2B3C4D,13.067439,80.237617,30.0,55.0,25.0,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, "fuel_fill", rec.Extras["event_type"])
	require.Equal(t, 30.0, rec.Extras["fuel_before"])
	require.Equal(t, 55.0, rec.Extras["fuel_after"])
	require.Equal(t, 25.0, rec.Extras["amount"])
	require.Equal(t, 55.0, *rec.FuelLevel)
}

func TestParse_Overspeed(t *testing.T) {
	t.Parallel()

	frame := "$,0,OS3,100,5,1A2B3C4D,13.067439,80.237617,95,80,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, "overspeed", rec.Extras["event_type"])
	require.Equal(t, 95.0, *rec.Speed)
	require.Equal(t, 80.0, rec.Extras["speed_limit"])
}

func TestParse_HarshEvents(t *testing.T) {
	t.Parallel()

	for typ, want := range harshEvents {
		frame := "$,0," + typ + ",100,5,1A2B3C4D,13.067439,80.237617,0.45,#?"
		d := newTestDecoder(t)
		d.Feed([]byte(frame))
		f, ok := d.Next()
		require.True(t, ok)

		rec, err := d.Parse(f, "TFMS90_100")
		require.NoError(t, err)
		require.Equal(t, want, rec.Extras["event_type"])
		require.Equal(t, 0.45, rec.Extras["event_value"])
	}
}

func TestParse_ShortDataFrameRejected(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{
		"$,0,TD,100,#?",
		"$,0,TE,100,5,1A2B3C4D,#?",
		"$,0,OS3,100,5,#?",
	} {
		d := newTestDecoder(t)
		d.Feed([]byte(frame))
		f, ok := d.Next()
		require.True(t, ok)

		_, err := d.Parse(f, "TFMS90_100")
		require.ErrorIs(t, err, ErrShortFrame, "frame %q", frame)
	}

	// Status pings legitimately carry no position.
	d := newTestDecoder(t)
	d.Feed([]byte("$,3,HB,100,#?"))
	f, ok := d.Next()
	require.True(t, ok)
	_, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
}

func TestParse_UnknownTypeKeptWithEmptyTelemetry(t *testing.T) {
	t.Parallel()

	frame := "$,0,DHR,100,5,1A2B3C4D,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, "DHR", rec.MessageType)
	require.Equal(t, true, rec.Extras["unhandled"])
	require.Nil(t, rec.Latitude)
	require.Nil(t, rec.Speed)
}

func TestParse_HeartbeatUsesWallClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewDecoder(clockwork.NewFakeClockAt(now))
	d.Feed([]byte("$,3,HB,100,#?"))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Equal(t, now, rec.Timestamp)
	require.Equal(t, "hb", rec.Extras["status_type"])
}

func TestParse_OutOfRangeCoordinatesNulled(t *testing.T) {
	t.Parallel()

	frame := "$,0,TS,100,5,1A2B3C4D,99.5,200.1,#?"
	d := newTestDecoder(t)
	d.Feed([]byte(frame))
	f, ok := d.Next()
	require.True(t, ok)

	rec, err := d.Parse(f, "TFMS90_100")
	require.NoError(t, err)
	require.Nil(t, rec.Latitude)
	require.Nil(t, rec.Longitude)
	require.False(t, rec.HasFix())
}

func TestAcks(t *testing.T) {
	t.Parallel()

	require.Equal(t, "$,0,ACK,100,#?", string(LoginAck("0", 100)))
	require.Equal(t, "$,1,ACK,100,1,#?", string(DataAck("1", "100", 1)))
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	ts, err := parseTimestamp("0")
	require.NoError(t, err)
	require.Equal(t, epoch2000, ts)

	_, err = parseTimestamp("")
	require.Error(t, err)
	_, err = parseTimestamp("XYZ")
	require.Error(t, err)
}
