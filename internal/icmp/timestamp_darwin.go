//go:build darwin

package icmp

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// enableTimestamps asks for microsecond receive timestamps; darwin has no
// nanosecond variant.
func enableTimestamps(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
}

// parseTimestamp extracts the kernel receive time from control messages.
// The darwin timeval is a 64-bit seconds field and a 32-bit microseconds field.
func parseTimestamp(oob []byte) time.Time {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}
	}
	for _, scm := range scms {
		if scm.Header.Level == unix.SOL_SOCKET && scm.Header.Type == unix.SCM_TIMESTAMP && len(scm.Data) >= 12 {
			sec := int64(binary.NativeEndian.Uint64(scm.Data[0:8]))
			usec := int32(binary.NativeEndian.Uint32(scm.Data[8:12]))
			return time.Unix(sec, int64(usec)*1000)
		}
	}
	return time.Time{}
}
