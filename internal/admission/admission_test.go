package admission

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestAdmitter(t *testing.T, accept, reject []string, r Rate) (*Admitter, *clockwork.FakeClock) {
	t.Helper()
	fs, err := ParseFilterSet(accept, reject)
	if err != nil {
		t.Fatalf("ParseFilterSet() error = %v", err)
	}
	clock := clockwork.NewFakeClock()
	return New(Config{MaxTimeout: 60 * time.Second, Filters: fs, Rate: r}, clock), clock
}

func TestAdmit_Order(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		timeout time.Duration
		want    error
	}{
		{"ok", "10.0.0.1", 5 * time.Second, nil},
		{"zero timeout", "10.0.0.1", 0, nil},
		{"max timeout", "10.0.0.1", 60 * time.Second, nil},
		{"negative timeout", "10.0.0.1", -time.Microsecond, ErrInvalidArgument},
		{"timeout too large", "10.0.0.1", 60*time.Second + time.Microsecond, ErrInvalidArgument},
		{"filtered", "192.168.1.1", time.Second, ErrForbidden},
		{"bad timeout beats filter", "192.168.1.1", -1, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdmitter(t, nil, []string{"192.168.0.0/16"}, DefaultRate)
			err := a.Admit(netip.MustParseAddr(tt.target), tt.timeout)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Admit() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Admit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdmit_RateLimit(t *testing.T) {
	a, clock := newTestAdmitter(t, nil, nil, Rate{Limit: 3, Period: time.Minute})
	target := netip.MustParseAddr("10.0.0.1")

	for i := 0; i < 3; i++ {
		if err := a.Admit(target, time.Second); err != nil {
			t.Fatalf("request %d: Admit() error = %v", i+1, err)
		}
		clock.Advance(time.Second)
	}
	if err := a.Admit(target, time.Second); !errors.Is(err, ErrThrottled) {
		t.Fatalf("request 4: Admit() error = %v, want ErrThrottled", err)
	}

	clock.Advance(time.Minute)
	if err := a.Admit(target, time.Second); err != nil {
		t.Errorf("after window: Admit() error = %v", err)
	}
}

func TestAdmit_RejectionsDoNotConsumeRate(t *testing.T) {
	a, _ := newTestAdmitter(t, []string{"10.0.0.0/8"}, nil, Rate{Limit: 1, Period: time.Minute})

	if err := a.Admit(netip.MustParseAddr("10.0.0.1"), -5); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Admit() error = %v, want ErrInvalidArgument", err)
	}
	if err := a.Admit(netip.MustParseAddr("8.8.8.8"), time.Second); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Admit() error = %v, want ErrForbidden", err)
	}
	if err := a.Admit(netip.MustParseAddr("10.0.0.1"), time.Second); err != nil {
		t.Errorf("Admit() error = %v, budget consumed by rejected requests", err)
	}
}

func TestNew_NilFiltersAndClock(t *testing.T) {
	a := New(Config{MaxTimeout: time.Second}, nil)
	if err := a.Admit(netip.MustParseAddr("203.0.113.9"), time.Second); err != nil {
		t.Errorf("Admit() error = %v", err)
	}
	if a.MaxTimeout() != time.Second {
		t.Errorf("MaxTimeout() = %v, want 1s", a.MaxTimeout())
	}
}
