package sweep

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/pingerd/internal/icmp"
)

var target = netip.MustParseAddr("192.0.2.10")

// echoProber answers probes through a socketpair so Poll sees readiness.
type echoProber struct {
	mu      sync.Mutex
	fds     [2]int
	replies []*icmp.Reply
	sent    int

	// answer decides whether the n-th probe gets a reply.
	answer func(n int) bool
	// extra is queued ahead of every real reply.
	extra func(id, seq uint16) *icmp.Reply
}

func newEchoProber(t *testing.T) *echoProber {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	unix.SetNonblock(fds[0], true)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return &echoProber{fds: fds, answer: func(int) bool { return true }}
}

func (e *echoProber) Fd() int { return e.fds[0] }

func (e *echoProber) Send(id, seq uint16, size int, dst netip.Addr) error {
	if size < icmp.MinSize || size >= icmp.MaxSize {
		return icmp.ErrSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent++
	if e.extra != nil {
		e.push(e.extra(id, seq))
	}
	if e.answer(e.sent) {
		e.push(&icmp.Reply{Echo: icmp.Echo{ID: id, Seq: seq}, Source: dst})
	}
	return nil
}

func (e *echoProber) push(r *icmp.Reply) {
	e.replies = append(e.replies, r)
	unix.Write(e.fds[1], []byte{0})
}

func (e *echoProber) Receive() (*icmp.Reply, error) {
	var b [1]byte
	if _, err := unix.Read(e.fds[0], b[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.replies[0]
	e.replies = e.replies[1:]
	return r, nil
}

func testConfig(count int) Config {
	return Config{
		Target: target,
		Count:  count,
		Wait:   5 * time.Millisecond,
		Rand:   rand.New(rand.NewPCG(3, 4)),
	}
}

func totals(stats []Stat) (sent, received int) {
	for _, s := range stats {
		sent += s.Sent
		received += s.Received
	}
	return
}

func TestRun_AllAnswered(t *testing.T) {
	p := newEchoProber(t)

	var progress int
	cfg := testConfig(200)
	cfg.OnSend = func(total int) { progress = total }

	res, err := Run(context.Background(), p, cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent, received := totals(res.Stats())
	if res.Total != 200 || sent != 200 || received != 200 {
		t.Errorf("total %d sent %d received %d, want 200 each", res.Total, sent, received)
	}
	if progress != 200 {
		t.Errorf("OnSend last total = %d, want 200", progress)
	}
	if res.Bogus != 0 {
		t.Errorf("Bogus = %d, want 0", res.Bogus)
	}

	stats := res.Stats()
	for i, s := range stats {
		if s.Size < icmp.MinSize || s.Size >= icmp.MaxSize {
			t.Errorf("size %d out of range", s.Size)
		}
		if i > 0 && s.Size <= stats[i-1].Size {
			t.Errorf("stats not sorted by size")
		}
	}
}

func TestRun_CountsLoss(t *testing.T) {
	p := newEchoProber(t)
	p.answer = func(n int) bool { return n%2 == 0 }

	res, err := Run(context.Background(), p, testConfig(40))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, received := totals(res.Stats()); received != 20 {
		t.Errorf("received %d, want 20", received)
	}
}

func TestRun_RejectsBogusReplies(t *testing.T) {
	p := newEchoProber(t)
	p.extra = func(id, seq uint16) *icmp.Reply {
		return &icmp.Reply{Echo: icmp.Echo{ID: id, Seq: seq}, Source: netip.MustParseAddr("198.51.100.1")}
	}

	res, err := Run(context.Background(), p, testConfig(10))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Bogus != 10 {
		t.Errorf("Bogus = %d, want 10", res.Bogus)
	}
	if _, received := totals(res.Stats()); received != 10 {
		t.Errorf("received %d, want 10", received)
	}
}

func TestRun_DuplicateRepliesIgnored(t *testing.T) {
	p := newEchoProber(t)
	p.extra = func(id, seq uint16) *icmp.Reply {
		return &icmp.Reply{Echo: icmp.Echo{ID: id, Seq: seq}, Source: target}
	}

	res, err := Run(context.Background(), p, testConfig(10))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, received := totals(res.Stats()); received != 10 {
		t.Errorf("received %d, want 10", received)
	}
	if res.Bogus < 9 {
		t.Errorf("Bogus = %d, want duplicates counted", res.Bogus)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := newEchoProber(t)
	p.answer = func(int) bool { return false }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, p, testConfig(0))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Total == 0 {
		t.Error("no probes sent before cancel")
	}
}

func TestRun_RateLimited(t *testing.T) {
	p := newEchoProber(t)
	cfg := testConfig(5)
	cfg.Rate = 100

	start := time.Now()
	if _, err := Run(context.Background(), p, cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("5 probes at 100/s took %v, want at least 40ms", elapsed)
	}
}

func TestRun_RejectsIPv6(t *testing.T) {
	p := newEchoProber(t)
	cfg := testConfig(1)
	cfg.Target = netip.MustParseAddr("2001:db8::1")

	if _, err := Run(context.Background(), p, cfg); !errors.Is(err, unix.EAFNOSUPPORT) {
		t.Errorf("Run() error = %v, want EAFNOSUPPORT", err)
	}
}

func TestResult_WriteTo(t *testing.T) {
	var r Result
	r.sent[0], r.recvd[0] = 3, 2
	r.sent[Sizes-1], r.recvd[Sizes-1] = 1, 0

	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	want := "28 3 2\n1499 1 0\n"
	if got := buf.String(); got != want {
		t.Errorf("WriteTo() = %q, want %q", got, want)
	}
	if strings.Count(buf.String(), "\n") != len(r.Stats()) {
		t.Error("line count does not match Stats()")
	}
}
