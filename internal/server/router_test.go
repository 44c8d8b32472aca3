package server

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func teltonikaGreeting(imei string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(b, imei...)
}

func TestSniff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		peek []byte
		want sniffResult
	}{
		{"empty", nil, sniffNeedMore},
		{"dollar", []byte("$,0,LG"), sniffTFMS90},
		{"dollar after crlf", []byte("\r\n$,0"), sniffTFMS90},
		{"greeting complete", teltonikaGreeting("356307042441013"), sniffTeltonika},
		{"greeting length only", []byte{0x00}, sniffNeedMore},
		{"greeting partial imei", teltonikaGreeting("356307042441013")[:10], sniffNeedMore},
		{"greeting wrong length", []byte{0x00, 0x20, '1'}, sniffRefused},
		{"greeting non digits", append(binary.BigEndian.AppendUint16(nil, 15), []byte("35630704244101X")...), sniffRefused},
		{"http probe", []byte("GET / HTTP/1.1\r\n"), sniffRefused},
		{"whitespace then binary", []byte{' ', 0x00, 0x0F}, sniffRefused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, sniff(tt.peek))
		})
	}
}

func TestRouteConn(t *testing.T) {
	t.Parallel()

	route := func(t *testing.T, payload []byte) (Protocol, []byte, error) {
		t.Helper()
		client, srv := net.Pipe()
		t.Cleanup(func() { _ = client.Close(); _ = srv.Close() })
		go func() {
			_, _ = client.Write(payload)
		}()
		_ = srv.SetReadDeadline(time.Now().Add(time.Second))
		return routeConn(srv, 64)
	}

	t.Run("text frame", func(t *testing.T) {
		t.Parallel()
		proto, peek, err := route(t, []byte("$,0,LG,867762040399039,2.0.1,8997,#?"))
		require.NoError(t, err)
		require.Equal(t, ProtocolTFMS90, proto)
		require.Equal(t, byte('$'), peek[0])
	})

	t.Run("binary greeting", func(t *testing.T) {
		t.Parallel()
		proto, peek, err := route(t, teltonikaGreeting("356307042441013"))
		require.NoError(t, err)
		require.Equal(t, ProtocolTeltonika, proto)
		require.Len(t, peek, 17)
	})

	t.Run("unknown bytes refused", func(t *testing.T) {
		t.Parallel()
		_, _, err := route(t, []byte("SSH-2.0-OpenSSH_9.6\r\n"))
		require.ErrorIs(t, err, errRouterRefused)
	})
}
