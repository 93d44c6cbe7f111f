// Package icmp is the probe transport shared by pingerd and the pinger tools.
//
// It crafts and validates raw ICMP Echo Request/Reply packets over a single
// IPv4 raw socket and parses the network filter syntax used by admission
// control.
//
// # Wire sizes
//
// Probe sizes count the IPv4 header, the way ping(8) reports them:
//
//	size = 20 (IPv4 header) + 8 (ICMP echo header) + payload
//
// so the accepted range [MinSize, MaxSize] is [28, 1500]. The payload is
// zero filled.
//
// # Raw sockets
//
// Open needs CAP_NET_RAW (or root). The socket asks the kernel for receive
// timestamps (SO_TIMESTAMPNS, falling back to SO_TIMESTAMP); when neither is
// available replies carry a zero Timestamp and callers use their own capture
// time.
//
// # Replies
//
// Receive returns (nil, nil) for anything that is not a well formed Echo
// Reply: other ICMP types, truncated packets and bad checksums are ordinary
// network noise, not errors. A non-nil Reply only means the packet is a valid
// Echo Reply; matching it to an outstanding probe is the caller's job.
package icmp
