// Package admission decides whether a probe request may proceed.
//
// Checks run in a fixed order: argument validation, then the network filter
// lists, then the rate window. A request rejected by an earlier stage never
// consumes budget in a later one.
package admission

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrInvalidArgument is returned for a timeout outside [0, max].
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden is returned when the target fails the filter lists.
	ErrForbidden = errors.New("target not permitted")

	// ErrThrottled is returned when the rate window is exhausted.
	ErrThrottled = errors.New("rate limit exceeded")
)

// Config holds the admission policy.
type Config struct {
	// MaxTimeout bounds the per-probe timeout a client may request.
	MaxTimeout time.Duration

	// Filters is the accept/reject policy. Nil admits every target.
	Filters *FilterSet

	// Rate bounds admissions per period. A zero Rate disables the window.
	Rate Rate
}

// Admitter applies a Config. It is not safe for concurrent use; the event
// loop is its only caller.
type Admitter struct {
	maxTimeout time.Duration
	filters    *FilterSet
	window     *RateWindow
	clock      clockwork.Clock
}

// New creates an Admitter. A nil clock means the real clock.
func New(cfg Config, clock clockwork.Clock) *Admitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Admitter{
		maxTimeout: cfg.MaxTimeout,
		filters:    cfg.Filters,
		window:     NewRateWindow(cfg.Rate, clock.Now()),
		clock:      clock,
	}
}

// Admit checks a request for target with the given timeout.
func (a *Admitter) Admit(target netip.Addr, timeout time.Duration) error {
	if timeout < 0 || timeout > a.maxTimeout {
		return fmt.Errorf("%w: timeout %v not in [0, %v]", ErrInvalidArgument, timeout, a.maxTimeout)
	}

	if a.filters != nil && !a.filters.Allowed(target) {
		return fmt.Errorf("%w: %s", ErrForbidden, target)
	}

	if !a.window.Allow(a.clock.Now()) {
		return fmt.Errorf("%w: %s", ErrThrottled, a.window.rate)
	}

	return nil
}

// MaxTimeout returns the configured timeout bound.
func (a *Admitter) MaxTimeout() time.Duration {
	return a.maxTimeout
}
