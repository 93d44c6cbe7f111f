// Package control implements the local unix datagram socket over which
// clients submit probe requests to pingerd and receive results.
package control

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// recvBufferSize exceeds any valid datagram so oversized ones arrive
// truncated but still with the wrong length.
const recvBufferSize = 512

// EndpointConfig contains control endpoint configuration.
type EndpointConfig struct {
	// Path is the filesystem path of the socket.
	Path string

	// Group, when set, may also connect. The socket is then mode 0660 and
	// owned by that group; otherwise it is 0600.
	Group string
}

// Endpoint is the daemon side of the control socket. It is non-blocking and
// meant to be driven by a readiness loop. Not safe for concurrent use.
type Endpoint struct {
	fd   int
	path string
	buf  []byte
}

// Listen binds the control socket, replacing any stale socket file.
func Listen(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Path == "" {
		return nil, errors.New("control socket path is required")
	}

	// Remove existing socket file if it exists
	if err := os.Remove(cfg.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create control socket: %w", err)
	}
	unix.CloseOnExec(fd)

	old := unix.Umask(0o177)
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: cfg.Path})
	unix.Umask(old)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", cfg.Path, err)
	}

	e := &Endpoint{fd: fd, path: cfg.Path, buf: make([]byte, recvBufferSize)}

	if cfg.Group != "" {
		if err := shareWithGroup(cfg.Path, cfg.Group); err != nil {
			e.Close()
			return nil, err
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		e.Close()
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	return e, nil
}

func shareWithGroup(path, name string) error {
	g, err := user.LookupGroup(name)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("group %s has non-numeric gid %q", name, g.Gid)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// Fd returns the socket descriptor for readiness polling.
func (e *Endpoint) Fd() int {
	return e.fd
}

// Path returns the socket path.
func (e *Endpoint) Path() string {
	return e.path
}

// Recv reads one datagram without blocking. It returns a nil slice when
// nothing is queued. The slice is only valid until the next call.
func (e *Endpoint) Recv() ([]byte, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(e.fd, e.buf, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("recvfrom: %w", err)
	}
	return e.buf[:n], from, nil
}

// Reply sends b to a client. Delivery is best effort; a client that has
// gone away yields an error the caller may ignore.
func (e *Endpoint) Reply(to unix.Sockaddr, b []byte) error {
	if to == nil {
		return errors.New("client has no return address")
	}
	if err := unix.Sendto(e.fd, b, unix.MSG_DONTWAIT, to); err != nil {
		return fmt.Errorf("reply to %s: %w", sockaddrString(to), err)
	}
	return nil
}

// Close closes the socket and removes its file.
func (e *Endpoint) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	if rmErr := os.Remove(e.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// sockaddrString renders a client address for logs.
func sockaddrString(sa unix.Sockaddr) string {
	if u, ok := sa.(*unix.SockaddrUnix); ok {
		if u.Name == "" {
			return "(unbound)"
		}
		return u.Name
	}
	return fmt.Sprintf("%T", sa)
}

// ClientName returns a printable name for a client address.
func ClientName(sa unix.Sockaddr) string {
	if sa == nil {
		return "(unbound)"
	}
	return sockaddrString(sa)
}
