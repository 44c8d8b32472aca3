package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

// Protocol identifies which codec a connection speaks.
type Protocol string

const (
	ProtocolTFMS90    Protocol = telemetry.ProtocolTFMS90
	ProtocolTeltonika Protocol = telemetry.ProtocolTeltonika
)

var errRouterRefused = errors.New("router: first bytes match no known protocol")

type sniffResult int

const (
	sniffNeedMore sniffResult = iota
	sniffTFMS90
	sniffTeltonika
	sniffRefused
)

// sniff inspects the first bytes of a connection. TFMS90 frames start
// with '$' (possibly after stray CR/LF); Teltonika connections open with
// a two-byte length followed by a 15-digit ASCII IMEI.
func sniff(peek []byte) sniffResult {
	i := 0
	for i < len(peek) && (peek[i] == '\r' || peek[i] == '\n' || peek[i] == ' ' || peek[i] == '\t') {
		i++
	}
	b := peek[i:]
	if len(b) == 0 {
		return sniffNeedMore
	}
	if b[0] == '$' {
		return sniffTFMS90
	}
	if i > 0 {
		// Whitespace prefix is only valid ahead of a text frame.
		return sniffRefused
	}
	if len(b) < 2 {
		return sniffNeedMore
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if n != 15 {
		return sniffRefused
	}
	if len(b) < 2+n {
		return sniffNeedMore
	}
	for _, c := range b[2 : 2+n] {
		if c < '0' || c > '9' {
			return sniffRefused
		}
	}
	return sniffTeltonika
}

// routeConn reads up to the peek budget and picks a codec. The caller
// sets the read deadline. The peeked bytes are returned so the codec sees
// the stream from its first byte; they are never discarded.
func routeConn(conn net.Conn, budget int) (Protocol, []byte, error) {
	peek := make([]byte, 0, budget)
	buf := make([]byte, budget)
	for len(peek) < budget {
		n, err := conn.Read(buf[:budget-len(peek)])
		if n > 0 {
			peek = append(peek, buf[:n]...)
			switch sniff(peek) {
			case sniffTFMS90:
				return ProtocolTFMS90, peek, nil
			case sniffTeltonika:
				return ProtocolTeltonika, peek, nil
			case sniffRefused:
				return "", peek, errRouterRefused
			}
		}
		if err != nil {
			return "", peek, fmt.Errorf("router peek: %w", err)
		}
	}
	return "", peek, errRouterRefused
}
