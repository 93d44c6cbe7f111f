package icmp

// Checksum computes the Internet checksum (RFC 1071) of b.
//
// Words are summed in network byte order. An odd trailing byte is treated as
// the high byte of a zero padded word, which matches what the C reference
// implementations produce on either endianness. Carries are folded twice.
// A buffer that already contains its correct checksum sums to zero.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}

	sum = (sum & 0xffff) + (sum >> 16)
	sum = (sum & 0xffff) + (sum >> 16)
	return ^uint16(sum)
}
