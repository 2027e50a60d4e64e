//go:build !unix

package disk

import "os"

// lockFile is a no-op on non-Unix platforms. publish still links with
// create-if-absent semantics, so concurrent pushers cannot share a sequence
// number; they only lose the counter shortcut.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
