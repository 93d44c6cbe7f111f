// Package pending tracks in-flight probes in deadline order.
//
// The queue is a doubly linked list in which every node stores its deadline
// as a delta from the node ahead of it; the head's delta is the time left
// until the earliest deadline. Summing deltas from the head to any node
// gives that node's remaining time. Inserting at position k costs O(k) and
// the next deadline is always available in O(1).
//
// A Queue is not safe for concurrent use.
package pending

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Probe is one outstanding echo request.
type Probe struct {
	// Client is the return address of the requester.
	Client unix.Sockaddr

	Host    netip.Addr
	ID      uint16
	Seq     uint16
	SentAt  time.Time
	Timeout time.Duration

	delta      time.Duration
	next, prev *Probe
	queue      *Queue
}

// Deadline returns the absolute expiry time.
func (p *Probe) Deadline() time.Time {
	return p.SentAt.Add(p.Timeout)
}

// Queued reports whether p is currently held by a queue.
func (p *Probe) Queued() bool {
	return p.queue != nil
}

// Queue is the delta-encoded deadline list.
type Queue struct {
	head *Probe
	n    int
}

// Len returns the number of queued probes.
func (q *Queue) Len() int {
	return q.n
}

// Head returns the probe with the earliest deadline, or nil.
func (q *Queue) Head() *Probe {
	return q.head
}

// Refresh recomputes the head's delta for now. Deltas behind the head are
// relative to its deadline and need no update.
func (q *Queue) Refresh(now time.Time) {
	if q.head != nil {
		q.head.delta = q.head.Timeout - now.Sub(q.head.SentAt)
	}
}

// Wait returns the time until the head's deadline, clamped at zero. ok is
// false when the queue is empty.
func (q *Queue) Wait(now time.Time) (d time.Duration, ok bool) {
	if q.head == nil {
		return 0, false
	}
	q.Refresh(now)
	return max(q.head.delta, 0), true
}

// Insert queues p by its deadline. Probes with equal deadlines keep arrival
// order. Inserting a probe that is already queued panics.
func (q *Queue) Insert(p *Probe, now time.Time) {
	if p.queue != nil {
		panic("pending: probe inserted twice")
	}
	q.Refresh(now)

	remaining := p.Timeout - now.Sub(p.SentAt)

	var prev *Probe
	cur := q.head
	for cur != nil && cur.delta <= remaining {
		remaining -= cur.delta
		prev = cur
		cur = cur.next
	}

	p.delta = remaining
	p.prev = prev
	p.next = cur
	p.queue = q
	if cur != nil {
		cur.delta -= remaining
		cur.prev = p
	}
	if prev != nil {
		prev.next = p
	} else {
		q.head = p
	}
	q.n++
}

// Remove unlinks p. Its delta moves to its successor so every later
// deadline is unchanged. Removing a probe that is not in q is a no-op.
func (q *Queue) Remove(p *Probe) {
	if p.queue != q {
		return
	}
	if p.next != nil {
		p.next.delta += p.delta
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		q.head = p.next
	}
	p.next, p.prev, p.queue = nil, nil, nil
	q.n--
}

// PopExpired removes and returns the head. The caller invokes it when the
// wait computed from the head has run out, so only the head can be due.
func (q *Queue) PopExpired() *Probe {
	p := q.head
	if p != nil {
		q.Remove(p)
	}
	return p
}

// Match returns the probe with exactly this id, seq and host, or nil.
func (q *Queue) Match(id, seq uint16, host netip.Addr) *Probe {
	for p := q.head; p != nil; p = p.next {
		if p.ID == id && p.Seq == seq && p.Host == host {
			return p
		}
	}
	return nil
}

// Lookup returns the first probe with this id and seq regardless of host.
func (q *Queue) Lookup(id, seq uint16) *Probe {
	for p := q.head; p != nil; p = p.next {
		if p.ID == id && p.Seq == seq {
			return p
		}
	}
	return nil
}

// Remaining returns the time left on p by summing deltas from the head as
// of the last Refresh. It returns false if p is not in q.
func (q *Queue) Remaining(p *Probe) (time.Duration, bool) {
	var sum time.Duration
	for cur := q.head; cur != nil; cur = cur.next {
		sum += cur.delta
		if cur == p {
			return sum, true
		}
	}
	return 0, false
}

// Drain removes every probe and returns them in deadline order.
func (q *Queue) Drain() []*Probe {
	out := make([]*Probe, 0, q.n)
	for q.head != nil {
		out = append(out, q.PopExpired())
	}
	return out
}
