//go:build windows

package backup

import "golang.org/x/sys/windows"

// freeDiskSpace returns the number of free bytes on the volume containing
// path, for the DLMessageGetFreeDiskSpace reply.
func freeDiskSpace(path string) (uint64, error) {
	var freeBytesAvailable uint64
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, nil, nil); err != nil {
		return 0, err
	}
	return freeBytesAvailable, nil
}
