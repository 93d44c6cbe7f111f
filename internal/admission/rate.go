package admission

import (
	"fmt"
	"time"
)

// Rate is an admission budget of Limit requests per Period.
type Rate struct {
	Limit  int
	Period time.Duration
}

// DefaultRate is 60 requests per minute.
var DefaultRate = Rate{Limit: 60, Period: time.Minute}

// Enabled reports whether the rate bounds anything.
func (r Rate) Enabled() bool {
	return r.Limit > 0
}

func (r Rate) String() string {
	if !r.Enabled() {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%v", r.Limit, r.Period)
}

// RateWindow is a fixed window counter. The window restarts at the first
// check made after Period has elapsed since it last started.
type RateWindow struct {
	rate  Rate
	count int
	start time.Time
}

// NewRateWindow starts a window at now.
func NewRateWindow(r Rate, now time.Time) *RateWindow {
	return &RateWindow{rate: r, start: now}
}

// Allow consumes one unit of budget and reports whether it was within the
// limit.
func (w *RateWindow) Allow(now time.Time) bool {
	if !w.rate.Enabled() {
		return true
	}
	if now.Sub(w.start) > w.rate.Period {
		w.count = 0
		w.start = now
	}
	w.count++
	return w.count <= w.rate.Limit
}

// Count returns the number of checks made in the current window.
func (w *RateWindow) Count() int {
	return w.count
}
