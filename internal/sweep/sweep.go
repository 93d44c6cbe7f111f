// Package sweep measures echo reply loss by probe size. It drives the raw
// socket directly rather than through the daemon: each round sends one
// Echo Request of a random size and waits briefly for its reply.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/logging"
)

// Sizes is the number of distinct probe sizes exercised, MinSize up to but
// excluding MaxSize.
const Sizes = icmp.MaxSize - icmp.MinSize

// DefaultWait is how long to wait for more replies after each send.
const DefaultWait = 100 * time.Millisecond

// Prober is the raw socket. *icmp.Conn implements it.
type Prober interface {
	Send(id, seq uint16, size int, dst netip.Addr) error
	Receive() (*icmp.Reply, error)
	Fd() int
}

// Config contains sweep configuration.
type Config struct {
	Target netip.Addr

	// Count stops the sweep after this many probes. Zero runs until the
	// context ends.
	Count int

	// Wait is the per-poll reply wait. Defaults to DefaultWait.
	Wait time.Duration

	// Rate caps probes per second. Zero is unlimited.
	Rate float64

	// Rand picks sizes. Defaults to a randomly seeded source.
	Rand *rand.Rand

	// Logger defaults to a no-op logger.
	Logger *slog.Logger

	// OnSend is called after every transmitted probe with the running total.
	OnSend func(total int)
}

// Stat is the outcome for one probe size.
type Stat struct {
	Size     int
	Sent     int
	Received int
}

// Result collects per-size counts.
type Result struct {
	sent  [Sizes]int
	recvd [Sizes]int
	last  [Sizes]uint16

	// Total is the number of probes sent.
	Total int

	// Bogus counts replies that matched no expected probe.
	Bogus int
}

// Stats returns counts for every size that was sent, smallest first.
func (r *Result) Stats() []Stat {
	var out []Stat
	for i := range r.sent {
		if r.sent[i] > 0 {
			out = append(out, Stat{Size: icmp.MinSize + i, Sent: r.sent[i], Received: r.recvd[i]})
		}
	}
	return out
}

// WriteTo prints one "size sent received" line per exercised size.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, s := range r.Stats() {
		n, err := fmt.Fprintf(w, "%d %d %d\n", s.Size, s.Sent, s.Received)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run sweeps until ctx ends or Count probes have been sent. Cancellation is
// a normal end and returns the partial result with a nil error.
func Run(ctx context.Context, p Prober, cfg Config) (*Result, error) {
	target := cfg.Target.Unmap()
	if !target.Is4() {
		return nil, fmt.Errorf("sweep target %s: %w", cfg.Target, unix.EAFNOSUPPORT)
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	logger := logging.Component(cfg.Logger, "sweep")

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	res := &Result{}
	base := uint16(cfg.Rand.UintN(1 << 16))
	fds := []unix.PollFd{{Fd: int32(p.Fd()), Events: unix.POLLIN}}
	waitMs := int((cfg.Wait + time.Millisecond - 1) / time.Millisecond)

	for cfg.Count == 0 || res.Total < cfg.Count {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		l := cfg.Rand.IntN(Sizes)
		res.sent[l]++
		if err := p.Send(base+uint16(l), uint16(res.sent[l]), icmp.MinSize+l, target); err != nil {
			return res, fmt.Errorf("send probe: %w", err)
		}
		res.Total++
		if cfg.OnSend != nil {
			cfg.OnSend(res.Total)
		}

		for {
			n, err := unix.Poll(fds, waitMs)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					break
				}
				return res, fmt.Errorf("poll: %w", err)
			}
			if n == 0 {
				break
			}

			r, err := p.Receive()
			if err != nil {
				return res, fmt.Errorf("receive: %w", err)
			}
			if r == nil {
				continue
			}

			idx := int(r.ID - base)
			if r.Source != target || idx >= Sizes || r.Seq != uint16(res.sent[idx]) || r.Seq <= res.last[idx] {
				res.Bogus++
				logger.Debug("unexpected reply",
					slog.String(logging.KeyAddress, r.Source.String()),
					slog.Int(logging.KeyID, idx),
					slog.Int(logging.KeySeq, int(r.Seq)))
				continue
			}
			res.recvd[idx]++
			res.last[idx] = r.Seq
			if idx == l {
				break
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	return res, nil
}
