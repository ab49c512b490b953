//go:build unix

package fileutil

import "golang.org/x/sys/unix"

// FreeBytes reports the bytes available to unprivileged users on the
// filesystem holding dir. ok is false when the platform cannot tell.
func FreeBytes(dir string) (free uint64, ok bool, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, false, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), true, nil
}
