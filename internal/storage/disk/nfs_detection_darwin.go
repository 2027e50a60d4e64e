//go:build darwin

package disk

import (
	"strings"

	"golang.org/x/sys/unix"
)

func isNFS(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	return isFSTypeNFS(unix.ByteSliceToString(st.Fstypename[:]))
}

func isFSTypeNFS(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	return fsType == "nfs" || fsType == "nfs4"
}
