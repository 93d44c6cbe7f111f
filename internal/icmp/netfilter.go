package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidFilter is returned for malformed IP[/MASK] filters.
var ErrInvalidFilter = errors.New("invalid network filter")

// NetworkFilter is an IPv4 network and mask. Network never has bits set
// outside Mask.
type NetworkFilter struct {
	Network uint32
	Mask    uint32
}

// ParseNetworkFilter parses "IP[/MASK]".
//
// IP is dotted shorthand: missing trailing groups are zero, so "10" is
// 10.0.0.0 and "192.168" is 192.168.0.0. Groups accept decimal, 0x hex and
// leading-zero octal. MASK is a prefix length 0-32 or a dotted mask; without
// it the filter matches a single host. Host bits are cleared silently.
func ParseNetworkFilter(s string) (NetworkFilter, error) {
	addr, mask, hasMask := strings.Cut(s, "/")

	network, _, err := parseDotted(addr)
	if err != nil {
		return NetworkFilter{}, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, s, err)
	}

	f := NetworkFilter{Network: network, Mask: ^uint32(0)}
	if hasMask {
		m, groups, err := parseDotted(mask)
		if err != nil {
			return NetworkFilter{}, fmt.Errorf("%w: %q: mask: %v", ErrInvalidFilter, s, err)
		}
		if groups == 1 {
			prefix := m >> 24
			if prefix > 32 {
				return NetworkFilter{}, fmt.Errorf("%w: %q: prefix length %d", ErrInvalidFilter, s, prefix)
			}
			m = ^uint32(0) << (32 - prefix)
		}
		f.Mask = m
	}
	f.Network &= f.Mask

	return f, nil
}

// MustParseNetworkFilter is ParseNetworkFilter that panics on error.
func MustParseNetworkFilter(s string) NetworkFilter {
	f, err := ParseNetworkFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

// parseDotted parses up to four dot separated groups, left aligned.
func parseDotted(s string) (uint32, int, error) {
	if s == "" {
		return 0, 0, errors.New("empty address")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return 0, 0, fmt.Errorf("too many groups in %q", s)
	}

	var x uint32
	for i, p := range parts {
		if p == "" {
			return 0, 0, fmt.Errorf("empty group in %q", s)
		}
		v, err := strconv.ParseUint(p, 0, 64)
		if err != nil || v > 255 {
			return 0, 0, fmt.Errorf("bad group %q", p)
		}
		x |= uint32(v) << (8 * (3 - i))
	}
	return x, len(parts), nil
}

// Contains reports whether ip is inside the filter. Non-IPv4 addresses never
// match.
func (f NetworkFilter) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.Is4() {
		return false
	}
	a := ip.As4()
	return binary.BigEndian.Uint32(a[:])&f.Mask == f.Network
}

// String renders the filter as "a.b.c.d/len" when the mask is contiguous and
// "a.b.c.d/m.m.m.m" otherwise.
func (f NetworkFilter) String() string {
	network := addrFromUint32(f.Network)
	ones := bits.LeadingZeros32(^f.Mask)
	if ones == 32 || f.Mask<<ones == 0 {
		return fmt.Sprintf("%s/%d", network, ones)
	}
	return fmt.Sprintf("%s/%s", network, addrFromUint32(f.Mask))
}

// MarshalText implements encoding.TextMarshaler.
func (f NetworkFilter) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so filters can be read
// straight from configuration files.
func (f *NetworkFilter) UnmarshalText(text []byte) error {
	parsed, err := ParseNetworkFilter(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func addrFromUint32(v uint32) netip.Addr {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}
