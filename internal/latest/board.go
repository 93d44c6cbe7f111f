// Package latest publishes the most recent probe outcome to observers that
// poll for changes, such as the HTTP /latest endpoint.
//
// Every resolved or expired probe bumps a sequence number. Observers remember
// the last sequence they saw and wait for a newer one.
package latest

import (
	"context"
	"net/netip"
	"sync"
	"time"
)

// Result is one published outcome.
type Result struct {
	Seq  uint64     `json:"seq"`
	Host netip.Addr `json:"host"`

	// RTT is nil when the probe expired, meaning the latency is unknown.
	RTT *time.Duration `json:"-"`

	// Micros mirrors RTT for JSON consumers; -1 when unknown.
	Micros int64     `json:"rtt_us"`
	At     time.Time `json:"at"`
}

// Known reports whether the probe was answered.
func (r Result) Known() bool {
	return r.RTT != nil
}

// Board holds the latest Result per host and overall.
type Board struct {
	mu      sync.Mutex
	seq     uint64
	last    Result
	perHost map[netip.Addr]Result
	changed chan struct{}
}

// NewBoard creates an empty Board.
func NewBoard() *Board {
	return &Board{
		perHost: make(map[netip.Addr]Result),
		changed: make(chan struct{}),
	}
}

// Publish records an answered probe.
func (b *Board) Publish(host netip.Addr, rtt time.Duration, at time.Time) uint64 {
	return b.publish(Result{Host: host, RTT: &rtt, Micros: rtt.Microseconds(), At: at})
}

// PublishExpired records a probe that was never answered.
func (b *Board) PublishExpired(host netip.Addr, at time.Time) uint64 {
	return b.publish(Result{Host: host, Micros: -1, At: at})
}

func (b *Board) publish(r Result) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	r.Seq = b.seq
	b.last = r
	b.perHost[r.Host] = r

	close(b.changed)
	b.changed = make(chan struct{})
	return r.Seq
}

// Seq returns the sequence number of the latest result, 0 if none.
func (b *Board) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Latest returns the most recent result. ok is false before the first
// publish.
func (b *Board) Latest() (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.seq > 0
}

// Host returns the most recent result for host.
func (b *Board) Host(host netip.Addr) (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.perHost[host]
	return r, ok
}

// Hosts returns the latest result of every host seen so far.
func (b *Board) Hosts() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Result, 0, len(b.perHost))
	for _, r := range b.perHost {
		out = append(out, r)
	}
	return out
}

// Wait blocks until a result newer than after is published, then returns
// the latest result. It returns ctx.Err() if ctx ends first.
func (b *Board) Wait(ctx context.Context, after uint64) (Result, error) {
	for {
		b.mu.Lock()
		if b.seq > after {
			r := b.last
			b.mu.Unlock()
			return r, nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}
