//go:build !windows

package backup

import "golang.org/x/sys/unix"

// freeDiskSpace returns the number of free bytes on the filesystem
// containing path, for the DLMessageGetFreeDiskSpace reply.
func freeDiskSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
