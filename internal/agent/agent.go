// Package agent assembles pingerd from its configuration: the raw ICMP
// socket, the control endpoint, the probe daemon and the optional HTTP
// surface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/postalsys/pingerd/internal/config"
	"github.com/postalsys/pingerd/internal/control"
	"github.com/postalsys/pingerd/internal/daemon"
	"github.com/postalsys/pingerd/internal/health"
	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/latest"
	"github.com/postalsys/pingerd/internal/logging"
	"github.com/postalsys/pingerd/internal/metrics"
	"github.com/postalsys/pingerd/internal/recovery"
)

// Prober is the raw socket the agent owns. *icmp.Conn implements it.
type Prober interface {
	daemon.Prober
	Close() error
}

// Agent owns every long-lived resource of a running daemon.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	prober       Prober
	endpoint     *control.Endpoint
	daemon       *daemon.Daemon
	board        *latest.Board
	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// New opens the raw ICMP socket, gives up any elevated privileges and
// builds the agent around it.
func New(cfg *config.Config) (*Agent, error) {
	conn, err := icmp.Open()
	if err != nil {
		return nil, err
	}
	if err := DropPrivileges(); err != nil {
		conn.Close()
		return nil, err
	}
	a, err := NewWithProber(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !conn.Timestamps() {
		a.logger.Warn("kernel receive timestamps unavailable, measuring in user space")
	}
	return a, nil
}

// NewWithProber builds the agent around an already open prober. The agent
// takes ownership of p and closes it on Stop.
func NewWithProber(cfg *config.Config, p Prober) (*Agent, error) {
	adm, err := cfg.Admission()
	if err != nil {
		return nil, fmt.Errorf("admission policy: %w", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	endpoint, err := control.Listen(control.EndpointConfig{
		Path:  cfg.Socket.Path,
		Group: cfg.Socket.Group,
	})
	if err != nil {
		return nil, err
	}

	board := latest.NewBoard()
	a := &Agent{
		cfg:      cfg,
		logger:   logging.Component(logger, "agent"),
		prober:   p,
		endpoint: endpoint,
		board:    board,
		done:     make(chan struct{}),
	}
	a.daemon = daemon.New(p, endpoint, daemon.Config{
		ProbeSize: cfg.Probe.Size,
		Admission: adm,
		Logger:    logger,
		Metrics:   metrics.Default(),
		Board:     board,
	})

	if cfg.HTTP.Enabled {
		hcfg := health.DefaultServerConfig()
		hcfg.Address = cfg.HTTP.Address
		a.healthServer = health.NewServer(hcfg, a.daemon, board, nil)
	}

	return a, nil
}

// DropPrivileges sets the effective uid back to the real uid, so a setuid
// binary keeps only the raw socket it has already opened.
func DropPrivileges() error {
	if err := unix.Setuid(unix.Getuid()); err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	return nil
}

// Start launches the HTTP surface, if configured, and the event loop.
func (a *Agent) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("agent already running")
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.running.Store(false)
			return fmt.Errorf("start http server: %w", err)
		}
		a.logger.Info("http server listening",
			slog.String(logging.KeyAddress, a.healthServer.Address().String()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		defer close(a.done)
		a.err = a.run(ctx)
		if a.err != nil {
			a.logger.Error("daemon exited", slog.String(logging.KeyError, a.err.Error()))
		}
	}()

	a.logger.Info("agent started",
		slog.String(logging.KeySocket, a.endpoint.Path()),
		slog.String("rate", a.cfg.Limits.Rate),
		slog.Duration("max_timeout", a.cfg.Limits.MaxTimeout))

	return nil
}

func (a *Agent) run(ctx context.Context) (err error) {
	defer recovery.Guard(a.logger, "daemon", &err)
	return a.daemon.Run(ctx)
}

// Done is closed when the event loop exits, either after Stop or on a
// fatal socket error.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the error the event loop exited with. Valid after Done.
func (a *Agent) Err() error {
	return a.err
}

// Stop ends the event loop and releases all sockets. Outstanding probes
// are dropped without a response.
func (a *Agent) Stop() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
		a.running.Store(false)

		if a.healthServer != nil {
			if err := a.healthServer.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.endpoint.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.prober.Close(); err != nil {
			errs = append(errs, err)
		}

		a.logger.Info("agent stopped")
	})
	return errors.Join(errs...)
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true while the event loop is active.
func (a *Agent) IsRunning() bool {
	return a.running.Load() && a.daemon.IsRunning()
}

// Board returns the latest-result board.
func (a *Agent) Board() *latest.Board {
	return a.board
}

// SocketPath returns the control socket path.
func (a *Agent) SocketPath() string {
	return a.endpoint.Path()
}

// HTTPAddress returns the bound HTTP address, or "" when disabled.
func (a *Agent) HTTPAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}
