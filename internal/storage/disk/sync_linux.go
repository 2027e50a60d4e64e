//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	for {
		err := unix.Fdatasync(int(file.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}
