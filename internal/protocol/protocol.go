// Package protocol defines the datagrams exchanged between pingerd and its
// local clients over the control socket.
//
// Both directions use fixed 8-byte datagrams:
//
//	Host    [4 bytes] - IPv4 address, network byte order
//	Value   [4 bytes] - signed 32-bit integer, host byte order
//
// In a request Value is the probe timeout in microseconds. In a response it
// is the round trip time in microseconds, or a negated errno on failure.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// RequestSize is the size of a request datagram.
	RequestSize = 8

	// ResponseSize is the size of a response datagram.
	ResponseSize = 8
)

// ErrBadLength is returned when a datagram is not exactly 8 bytes.
var ErrBadLength = errors.New("bad datagram length")

// Request asks the daemon to probe Host.
type Request struct {
	Host netip.Addr

	// Timeout is in microseconds. Negative values are carried through so
	// the daemon can reject them.
	Timeout int32
}

// NewRequest builds a Request, saturating timeout to the int32 range.
func NewRequest(host netip.Addr, timeout time.Duration) Request {
	return Request{Host: host, Timeout: clampMicros(timeout)}
}

// TimeoutDuration returns Timeout as a time.Duration.
func (r Request) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Microsecond
}

// Encode serializes the request.
func (r Request) Encode() []byte {
	buf := make([]byte, RequestSize)
	putHost(buf, r.Host)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(r.Timeout))
	return buf
}

// DecodeRequest parses a request datagram.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) != RequestSize {
		return Request{}, fmt.Errorf("%w: request is %d bytes, want %d", ErrBadLength, len(buf), RequestSize)
	}
	return Request{
		Host:    netip.AddrFrom4([4]byte(buf[0:4])),
		Timeout: int32(binary.NativeEndian.Uint32(buf[4:8])),
	}, nil
}

// Response carries the outcome of one request.
type Response struct {
	Host netip.Addr

	// Time is the round trip in microseconds when non-negative, otherwise
	// the negated errno.
	Time int32
}

// Success builds a response for a probe answered after rtt.
func Success(host netip.Addr, rtt time.Duration) Response {
	if rtt < 0 {
		rtt = 0
	}
	return Response{Host: host, Time: clampMicros(rtt)}
}

// Failure builds a response carrying the errno for err.
func Failure(host netip.Addr, err error) Response {
	return Response{Host: host, Time: -int32(Errno(err))}
}

// OK reports whether the probe was answered.
func (r Response) OK() bool {
	return r.Time >= 0
}

// Result returns the round trip, or the errno as an error.
func (r Response) Result() (time.Duration, error) {
	if r.Time < 0 {
		return 0, unix.Errno(-r.Time)
	}
	return time.Duration(r.Time) * time.Microsecond, nil
}

// Encode serializes the response.
func (r Response) Encode() []byte {
	buf := make([]byte, ResponseSize)
	putHost(buf, r.Host)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(r.Time))
	return buf
}

// DecodeResponse parses a response datagram.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != ResponseSize {
		return Response{}, fmt.Errorf("%w: response is %d bytes, want %d", ErrBadLength, len(buf), ResponseSize)
	}
	return Response{
		Host: netip.AddrFrom4([4]byte(buf[0:4])),
		Time: int32(binary.NativeEndian.Uint32(buf[4:8])),
	}, nil
}

func (r Response) String() string {
	d, err := r.Result()
	if err != nil {
		return fmt.Sprintf("%s: %v", r.Host, err)
	}
	return fmt.Sprintf("%s: %v", r.Host, d)
}

// putHost writes an IPv4 address. Anything else is written as 0.0.0.0.
func putHost(buf []byte, host netip.Addr) {
	host = host.Unmap()
	if host.Is4() {
		a := host.As4()
		copy(buf[0:4], a[:])
	}
}

func clampMicros(d time.Duration) int32 {
	us := d.Microseconds()
	switch {
	case us > math.MaxInt32:
		return math.MaxInt32
	case us < math.MinInt32:
		return math.MinInt32
	}
	return int32(us)
}
