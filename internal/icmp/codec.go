package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	// ProtocolNumber is the IANA protocol number for ICMP.
	ProtocolNumber = 1

	// EchoHeaderLen is the size of the ICMP echo header.
	EchoHeaderLen = 8

	// MinSize is the smallest probe: an IPv4 header and an empty echo.
	MinSize = ipv4.HeaderLen + EchoHeaderLen

	// MaxSize is the largest probe, one Ethernet MTU.
	MaxSize = 1500
)

// ErrSize is returned for probe sizes outside [MinSize, MaxSize].
var ErrSize = errors.New("probe size out of range")

// Echo identifies one echo exchange on the wire.
type Echo struct {
	ID  uint16
	Seq uint16
}

// EncodeEchoRequest builds an ICMP Echo Request for a probe of size bytes
// (IPv4 header included). The returned message is size-20 bytes long with a
// zero payload and a valid checksum.
func EncodeEchoRequest(id, seq uint16, size int) ([]byte, error) {
	if size < MinSize || size > MaxSize {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrSize, size, MinSize, MaxSize)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: make([]byte, size-MinSize),
		},
	}

	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal echo request: %w", err)
	}
	return b, nil
}

// DecodeEchoReply extracts the echo identity from a raw IPv4 datagram as
// delivered by a raw ICMP socket. It reports false for anything that is not
// a well formed Echo Reply.
func DecodeEchoReply(b []byte) (Echo, bool) {
	if len(b) < ipv4.HeaderLen {
		return Echo{}, false
	}
	hl := int(b[0]&0x0f) << 2
	if hl < ipv4.HeaderLen || len(b)-hl < EchoHeaderLen {
		return Echo{}, false
	}

	m := b[hl:]
	if m[0] != byte(ipv4.ICMPTypeEchoReply) || Checksum(m) != 0 {
		return Echo{}, false
	}

	return Echo{
		ID:  binary.BigEndian.Uint16(m[4:6]),
		Seq: binary.BigEndian.Uint16(m[6:8]),
	}, true
}
