//go:build unix

package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive fcntl write lock on the whole of f, waiting for
// other processes to release theirs. Interrupted waits are retried.
func lockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// unlockFile releases the fcntl lock held on f.
func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}
