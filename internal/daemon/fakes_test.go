package daemon

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/protocol"
)

type sentProbe struct {
	ID, Seq uint16
	Size    int
	Dst     netip.Addr
}

// fakeProber stands in for the raw socket. A socketpair provides a
// pollable descriptor that becomes readable whenever a reply is queued.
type fakeProber struct {
	mu        sync.Mutex
	sent      []sentProbe
	replies   []*icmp.Reply
	sendErr   error
	recvErr   error
	autoReply bool
	fds       [2]int
}

func newFakeProber(t *testing.T) *fakeProber {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return &fakeProber{fds: fds}
}

func (f *fakeProber) Fd() int { return f.fds[0] }

func (f *fakeProber) Send(id, seq uint16, size int, dst netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentProbe{ID: id, Seq: seq, Size: size, Dst: dst})
	if f.autoReply {
		f.queueLocked(&icmp.Reply{Echo: icmp.Echo{ID: id, Seq: seq}, Source: dst})
	}
	return nil
}

func (f *fakeProber) queueLocked(r *icmp.Reply) {
	f.replies = append(f.replies, r)
	unix.Write(f.fds[1], []byte{0})
}

func (f *fakeProber) Receive() (*icmp.Reply, error) {
	var b [1]byte
	if _, err := unix.Read(f.fds[0], b[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.replies) == 0 {
		return nil, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

// wake makes the descriptor readable without queueing a reply.
func (f *fakeProber) wake() {
	unix.Write(f.fds[1], []byte{0})
}

func (f *fakeProber) setRecvErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvErr = err
}

func (f *fakeProber) Sent() []sentProbe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentProbe(nil), f.sent...)
}

type delivered struct {
	To   unix.Sockaddr
	Resp protocol.Response
}

// fakeEndpoint records responses for handler tests that bypass Run.
type fakeEndpoint struct {
	out      []delivered
	replyErr error
	recvErr  error
}

func (f *fakeEndpoint) Fd() int { return -1 }

func (f *fakeEndpoint) Recv() ([]byte, unix.Sockaddr, error) { return nil, nil, f.recvErr }

func (f *fakeEndpoint) Reply(to unix.Sockaddr, b []byte) error {
	if f.replyErr != nil {
		return f.replyErr
	}
	resp, err := protocol.DecodeResponse(b)
	if err != nil {
		return err
	}
	f.out = append(f.out, delivered{To: to, Resp: resp})
	return nil
}

func protocolRequest(host string, timeout time.Duration) protocol.Request {
	return protocol.NewRequest(netip.MustParseAddr(host), timeout)
}
