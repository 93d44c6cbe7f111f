package latest

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestBoard_PublishAndLatest(t *testing.T) {
	b := NewBoard()
	host := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	if _, ok := b.Latest(); ok {
		t.Fatal("Latest() ok on empty board")
	}

	if seq := b.Publish(host, 1500*time.Microsecond, now); seq != 1 {
		t.Errorf("Publish() seq = %d, want 1", seq)
	}
	r, ok := b.Latest()
	if !ok || !r.Known() || *r.RTT != 1500*time.Microsecond || r.Micros != 1500 {
		t.Errorf("Latest() = %+v, %v", r, ok)
	}

	if seq := b.PublishExpired(host, now); seq != 2 {
		t.Errorf("PublishExpired() seq = %d, want 2", seq)
	}
	r, _ = b.Latest()
	if r.Known() || r.Micros != -1 || r.Seq != 2 {
		t.Errorf("after expiry Latest() = %+v", r)
	}
	if b.Seq() != 2 {
		t.Errorf("Seq() = %d, want 2", b.Seq())
	}
}

func TestBoard_PerHost(t *testing.T) {
	b := NewBoard()
	a := netip.MustParseAddr("10.0.0.1")
	c := netip.MustParseAddr("10.0.0.2")
	b.Publish(a, time.Millisecond, time.Now())
	b.PublishExpired(c, time.Now())

	ra, ok := b.Host(a)
	if !ok || !ra.Known() {
		t.Errorf("Host(a) = %+v, %v", ra, ok)
	}
	rc, ok := b.Host(c)
	if !ok || rc.Known() {
		t.Errorf("Host(c) = %+v, %v", rc, ok)
	}
	if _, ok := b.Host(netip.MustParseAddr("10.0.0.3")); ok {
		t.Error("Host() ok for unseen host")
	}
	if n := len(b.Hosts()); n != 2 {
		t.Errorf("Hosts() len = %d, want 2", n)
	}
}

func TestBoard_WaitReturnsImmediatelyWhenBehind(t *testing.T) {
	b := NewBoard()
	b.Publish(netip.MustParseAddr("10.0.0.1"), time.Millisecond, time.Now())

	r, err := b.Wait(context.Background(), 0)
	if err != nil || r.Seq != 1 {
		t.Errorf("Wait() = %+v, %v", r, err)
	}
}

func TestBoard_WaitWakesOnPublish(t *testing.T) {
	b := NewBoard()
	done := make(chan Result, 1)

	go func() {
		r, err := b.Wait(context.Background(), 0)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- r
	}()

	time.Sleep(20 * time.Millisecond)
	b.PublishExpired(netip.MustParseAddr("10.0.0.9"), time.Now())

	select {
	case r := <-done:
		if r.Seq != 1 || r.Host != netip.MustParseAddr("10.0.0.9") {
			t.Errorf("Wait() = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not wake")
	}
}

func TestBoard_WaitCancelled(t *testing.T) {
	b := NewBoard()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Wait(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}
