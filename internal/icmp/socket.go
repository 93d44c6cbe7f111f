package icmp

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrClosed is returned when the raw socket reports end of stream.
	ErrClosed = errors.New("icmp socket closed")

	// ErrShortWrite is returned when the kernel accepted only part of a probe.
	ErrShortWrite = errors.New("short write")
)

// Reply is a structurally valid Echo Reply read from the socket.
type Reply struct {
	Echo
	Source netip.Addr

	// Timestamp is the kernel receive time, zero when the kernel did not
	// supply one.
	Timestamp time.Time
}

// Conn is a raw IPv4 ICMP socket. It is not safe for concurrent use.
type Conn struct {
	fd         int
	timestamps bool

	buf []byte
	oob []byte
}

// Open creates the raw ICMP socket and enables kernel receive timestamps
// when the platform supports them.
func Open() (*Conn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("create raw ICMP socket: %w", err)
	}
	unix.CloseOnExec(fd)

	c := &Conn{
		fd:  fd,
		buf: make([]byte, 4096),
		oob: make([]byte, 1024),
	}
	c.timestamps = enableTimestamps(fd) == nil

	return c, nil
}

// Fd returns the socket descriptor for readiness polling.
func (c *Conn) Fd() int {
	return c.fd
}

// Timestamps reports whether the kernel was asked for receive timestamps.
func (c *Conn) Timestamps() bool {
	return c.timestamps
}

// Send transmits one Echo Request of size bytes to dst.
func (c *Conn) Send(id, seq uint16, size int, dst netip.Addr) error {
	dst = dst.Unmap()
	if !dst.Is4() {
		return fmt.Errorf("send echo to %s: %w", dst, unix.EAFNOSUPPORT)
	}

	msg, err := EncodeEchoRequest(id, seq, size)
	if err != nil {
		return err
	}

	n, err := unix.SendmsgN(c.fd, msg, nil, &unix.SockaddrInet4{Addr: dst.As4()}, 0)
	if err != nil {
		return fmt.Errorf("send echo to %s: %w", dst, err)
	}
	if n < len(msg) {
		return fmt.Errorf("send echo to %s: %d/%d bytes: %w", dst, n, len(msg), ErrShortWrite)
	}
	return nil
}

// Receive performs one non-blocking read. It returns (nil, nil) when nothing
// is queued or the datagram is not a valid Echo Reply.
func (c *Conn) Receive() (*Reply, error) {
	n, oobn, _, from, err := unix.Recvmsg(c.fd, c.buf, c.oob, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 {
		return nil, ErrClosed
	}

	echo, ok := DecodeEchoReply(c.buf[:n])
	if !ok {
		return nil, nil
	}
	sa, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return nil, nil
	}

	r := &Reply{
		Echo:   echo,
		Source: netip.AddrFrom4(sa.Addr),
	}
	if oobn > 0 {
		r.Timestamp = parseTimestamp(c.oob[:oobn])
	}
	return r, nil
}

// Close releases the socket.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
