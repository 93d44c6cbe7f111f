package protocol

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/postalsys/pingerd/internal/admission"
	"github.com/postalsys/pingerd/internal/icmp"
)

// ErrTimedOut is the outcome of a probe whose deadline passed unanswered.
var ErrTimedOut = errors.New("probe timed out")

// Errno maps an outcome to the errno carried in a response.
//
// Admission rejections map to EINVAL, EACCES and ENFILE. A partially sent
// probe is ENOBUFS. Transport errors
// carrying a unix.Errno keep it. Anything unrecognised is EIO.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimedOut):
		return unix.ETIMEDOUT
	case errors.Is(err, admission.ErrInvalidArgument), errors.Is(err, icmp.ErrSize):
		return unix.EINVAL
	case errors.Is(err, admission.ErrForbidden):
		return unix.EACCES
	case errors.Is(err, admission.ErrThrottled):
		return unix.ENFILE
	case errors.Is(err, icmp.ErrShortWrite):
		return unix.ENOBUFS
	}

	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.EIO
}
