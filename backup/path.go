package backup

import (
	"path/filepath"
	"strings"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
)

// resolveLocalPath joins backupPath onto root and rejects any result that
// escapes root after normalization. backupPath containing ".." segments
// is always rejected even if the joined result would happen to stay
// inside root, since a device that sends one is either confused or
// hostile.
func resolveLocalPath(root, backupPath string) (string, error) {
	if backupPath == "" {
		return "", ierrors.New(ierrors.BackupFileError, "empty backup path")
	}
	for _, seg := range strings.Split(filepath.ToSlash(backupPath), "/") {
		if seg == ".." {
			return "", ierrors.New(ierrors.BackupFileError, "backup path %q contains a .. segment", backupPath)
		}
	}

	joined := filepath.Join(root, backupPath)
	rootWithSep := filepath.Clean(root) + string(filepath.Separator)
	if !strings.HasPrefix(joined+string(filepath.Separator), rootWithSep) {
		return "", ierrors.New(ierrors.BackupFileError, "backup path %q escapes backup root", backupPath)
	}
	return joined, nil
}
