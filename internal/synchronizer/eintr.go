package synchronizer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isEINTR reports whether err is (or wraps) EINTR, the only I/O error the
// block copy loop retries rather than treating as fatal.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
