package control

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/postalsys/pingerd/internal/protocol"
)

// replyGrace is added to a probe's timeout when waiting for the daemon.
const replyGrace = time.Second

// Client talks to pingerd over its control socket.
type Client struct {
	conn       *net.UnixConn
	socketPath string
	localPath  string
}

// Dial connects to the daemon socket at socketPath. The client binds its own
// address so the daemon can answer: an abstract name on Linux, a temporary
// file elsewhere.
func Dial(socketPath string) (*Client, error) {
	local := localAddress()
	laddr := &net.UnixAddr{Name: local, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: socketPath, Net: "unixgram"}

	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}

	c := &Client{conn: conn, socketPath: socketPath}
	if local[0] != '@' {
		c.localPath = local
	}
	return c, nil
}

func localAddress() string {
	name := fmt.Sprintf("pinger-%d-%08x", os.Getpid(), rand.Uint32())
	if runtime.GOOS == "linux" {
		return "@" + name
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

// Send submits one request without waiting for the result.
func (c *Client) Send(req protocol.Request) error {
	if _, err := c.conn.Write(req.Encode()); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Recv waits for the next response. Datagrams of the wrong size are skipped.
func (c *Client) Recv(ctx context.Context) (protocol.Response, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 64)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Response{}, ctx.Err()
			}
			return protocol.Response{}, fmt.Errorf("read response: %w", err)
		}
		resp, err := protocol.DecodeResponse(buf[:n])
		if errors.Is(err, protocol.ErrBadLength) {
			continue
		}
		return resp, err
	}
}

// Ping probes host and waits for its result. The wait is bounded by ctx and
// by timeout plus a grace period for the daemon to report expiry.
func (c *Client) Ping(ctx context.Context, host netip.Addr, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+replyGrace)
	defer cancel()

	if err := c.Send(protocol.NewRequest(host, timeout)); err != nil {
		return 0, err
	}

	for {
		resp, err := c.Recv(ctx)
		if err != nil {
			return 0, err
		}
		if resp.Host != host.Unmap() {
			continue
		}
		return resp.Result()
	}
}

// SocketPath returns the daemon socket path.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	if c.localPath != "" {
		os.Remove(c.localPath)
	}
	return err
}
