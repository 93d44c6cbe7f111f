package admission

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/pingerd/internal/icmp"
)

// MaxFilters bounds each of the accept and reject lists.
const MaxFilters = 16

// ErrTooManyFilters is returned when a list exceeds MaxFilters.
var ErrTooManyFilters = errors.New("too many filters")

// FilterSet holds ordered accept and reject lists.
//
// A target is refused if it matches any reject filter. When the accept list
// is non-empty the target must also match one of its entries.
type FilterSet struct {
	accept []icmp.NetworkFilter
	reject []icmp.NetworkFilter
}

// NewFilterSet copies the lists into a FilterSet.
func NewFilterSet(accept, reject []icmp.NetworkFilter) (*FilterSet, error) {
	if len(accept) > MaxFilters {
		return nil, fmt.Errorf("%w: %d accept filters, max %d", ErrTooManyFilters, len(accept), MaxFilters)
	}
	if len(reject) > MaxFilters {
		return nil, fmt.Errorf("%w: %d reject filters, max %d", ErrTooManyFilters, len(reject), MaxFilters)
	}
	return &FilterSet{
		accept: append([]icmp.NetworkFilter(nil), accept...),
		reject: append([]icmp.NetworkFilter(nil), reject...),
	}, nil
}

// ParseFilterSet parses IP[/MASK] strings into a FilterSet.
func ParseFilterSet(accept, reject []string) (*FilterSet, error) {
	a, err := parseList(accept)
	if err != nil {
		return nil, err
	}
	r, err := parseList(reject)
	if err != nil {
		return nil, err
	}
	return NewFilterSet(a, r)
}

func parseList(specs []string) ([]icmp.NetworkFilter, error) {
	out := make([]icmp.NetworkFilter, 0, len(specs))
	for _, s := range specs {
		f, err := icmp.ParseNetworkFilter(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Allowed reports whether ip passes the lists.
func (s *FilterSet) Allowed(ip netip.Addr) bool {
	for _, f := range s.reject {
		if f.Contains(ip) {
			return false
		}
	}
	if len(s.accept) == 0 {
		return true
	}
	for _, f := range s.accept {
		if f.Contains(ip) {
			return true
		}
	}
	return false
}

// Accept returns a copy of the accept list.
func (s *FilterSet) Accept() []icmp.NetworkFilter {
	return append([]icmp.NetworkFilter(nil), s.accept...)
}

// Reject returns a copy of the reject list.
func (s *FilterSet) Reject() []icmp.NetworkFilter {
	return append([]icmp.NetworkFilter(nil), s.reject...)
}
