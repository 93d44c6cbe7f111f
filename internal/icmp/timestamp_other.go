//go:build !linux && !darwin

package icmp

import (
	"errors"
	"time"
)

func enableTimestamps(fd int) error {
	return errors.New("receive timestamps not supported")
}

func parseTimestamp(oob []byte) time.Time {
	return time.Time{}
}
