// Package daemon runs the pingerd event loop.
//
// A single goroutine multiplexes the raw ICMP socket and the control socket
// with poll(2). Requests are admitted, transmitted and queued by deadline;
// replies are correlated against the queue; the queue head bounds the poll
// timeout so expiries fire on time. All daemon state is owned by that
// goroutine and needs no locking.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/postalsys/pingerd/internal/admission"
	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/latest"
	"github.com/postalsys/pingerd/internal/logging"
	"github.com/postalsys/pingerd/internal/metrics"
	"github.com/postalsys/pingerd/internal/pending"
)

// Prober sends echo requests and reads echo replies. *icmp.Conn implements it.
type Prober interface {
	Send(id, seq uint16, size int, dst netip.Addr) error
	Receive() (*icmp.Reply, error)
	Fd() int
}

// Endpoint exchanges datagrams with local clients. *control.Endpoint
// implements it.
type Endpoint interface {
	Recv() ([]byte, unix.Sockaddr, error)
	Reply(to unix.Sockaddr, b []byte) error
	Fd() int
}

// Config contains daemon configuration.
type Config struct {
	// ProbeSize is the echo request size including the IPv4 header.
	ProbeSize int

	// Admission is the request policy.
	Admission admission.Config

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Logger defaults to a no-op logger.
	Logger *slog.Logger

	// Metrics defaults to a private registry.
	Metrics *metrics.Metrics

	// Board receives every resolved and expired probe. Defaults to a new
	// board.
	Board *latest.Board
}

// Daemon is the probe scheduler. Create it with New and drive it with Run.
type Daemon struct {
	prober   Prober
	endpoint Endpoint
	admitter *admission.Admitter
	queue    pending.Queue
	size     int
	seq      uint16
	newID    func() uint16

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	board   *latest.Board

	running  atomic.Bool
	inFlight atomic.Int64
}

// New creates a Daemon over an open raw socket and control endpoint.
func New(prober Prober, endpoint Endpoint, cfg Config) *Daemon {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if cfg.Board == nil {
		cfg.Board = latest.NewBoard()
	}
	if cfg.ProbeSize == 0 {
		cfg.ProbeSize = 48
	}

	return &Daemon{
		prober:   prober,
		endpoint: endpoint,
		admitter: admission.New(cfg.Admission, cfg.Clock),
		size:     cfg.ProbeSize,
		seq:      uint16(rand.UintN(1 << 16)),
		newID:    func() uint16 { return uint16(rand.UintN(1 << 16)) },
		clock:    cfg.Clock,
		logger:   logging.Component(cfg.Logger, "daemon"),
		metrics:  cfg.Metrics,
		board:    cfg.Board,
	}
}

// Board returns the result board the daemon publishes to.
func (d *Daemon) Board() *latest.Board {
	return d.board
}

// IsRunning reports whether Run is active. Safe from any goroutine.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// InFlight returns the number of outstanding probes. Safe from any
// goroutine.
func (d *Daemon) InFlight() int {
	return int(d.inFlight.Load())
}

// Run serves requests until ctx is cancelled or polling fails. Outstanding
// probes are dropped without a response on return.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create wake pipe: %w", err)
	}
	defer wakeR.Close()
	defer wakeW.Close()

	stop := context.AfterFunc(ctx, func() {
		wakeW.Write([]byte{0})
	})
	defer stop()

	fds := []unix.PollFd{
		{Fd: int32(d.prober.Fd()), Events: unix.POLLIN},
		{Fd: int32(d.endpoint.Fd()), Events: unix.POLLIN},
		{Fd: int32(wakeR.Fd()), Events: unix.POLLIN},
	}

	d.logger.Info("daemon started", slog.Int(logging.KeySize, d.size))

	for ctx.Err() == nil {
		d.expireDue()

		n, err := unix.Poll(fds, d.pollTimeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			d.shutdown()
			return fmt.Errorf("poll: %w", err)
		}

		if n == 0 {
			if d.queue.Len() > 0 {
				d.HandleExpiry()
			}
			continue
		}

		if fds[2].Revents != 0 {
			break
		}
		if (fds[0].Revents|fds[1].Revents)&unix.POLLNVAL != 0 {
			d.shutdown()
			return errors.New("poll: socket descriptor closed")
		}
		if fds[0].Revents != 0 {
			if err := d.receiveReply(); err != nil {
				d.shutdown()
				return err
			}
		}
		if fds[1].Revents != 0 {
			if err := d.receiveRequest(); err != nil {
				d.shutdown()
				return err
			}
		}
	}

	d.shutdown()
	return nil
}

// pollTimeout is the head's remaining time rounded up to whole
// milliseconds, or -1 when nothing is queued.
func (d *Daemon) pollTimeout() int {
	wait, ok := d.queue.Wait(d.clock.Now())
	if !ok {
		return -1
	}
	ms := (wait + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// expireDue resolves every head whose deadline has already passed, so a
// busy socket cannot starve expiry.
func (d *Daemon) expireDue() {
	for {
		wait, ok := d.queue.Wait(d.clock.Now())
		if !ok || wait > 0 {
			return
		}
		d.HandleExpiry()
	}
}

func (d *Daemon) receiveReply() error {
	r, err := d.prober.Receive()
	if err != nil {
		if errors.Is(err, icmp.ErrClosed) || !transient(err) {
			return fmt.Errorf("raw socket: %w", err)
		}
		d.logger.Warn("receive echo reply failed", slog.String(logging.KeyError, err.Error()))
		return nil
	}
	if r != nil {
		d.HandleReply(r)
	}
	return nil
}

func (d *Daemon) receiveRequest() error {
	b, from, err := d.endpoint.Recv()
	if err != nil {
		if !transient(err) {
			return fmt.Errorf("control socket: %w", err)
		}
		d.logger.Warn("receive request failed", slog.String(logging.KeyError, err.Error()))
		return nil
	}
	if b != nil {
		d.HandleRequest(b, from)
	}
	return nil
}

// transient reports receive errors that leave the socket usable. Anything
// else would keep the descriptor readable and spin the loop.
func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOBUFS)
}

func (d *Daemon) shutdown() {
	dropped := d.queue.Drain()
	d.inFlight.Store(0)
	d.metrics.SetInFlight(0)
	d.logger.Info("daemon stopped", slog.Int(logging.KeyInFlight, len(dropped)))
}
