//go:build linux

package icmp

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// enableTimestamps asks for nanosecond receive timestamps and falls back to
// microsecond ones.
func enableTimestamps(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err == nil {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
}

// parseTimestamp extracts the kernel receive time from control messages.
func parseTimestamp(oob []byte) time.Time {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}
	}
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || len(scm.Data) < 16 {
			continue
		}
		sec := int64(binary.NativeEndian.Uint64(scm.Data[0:8]))
		frac := int64(binary.NativeEndian.Uint64(scm.Data[8:16]))
		switch scm.Header.Type {
		case unix.SCM_TIMESTAMPNS:
			return time.Unix(sec, frac)
		case unix.SCM_TIMESTAMP:
			return time.Unix(sec, frac*1000)
		}
	}
	return time.Time{}
}
