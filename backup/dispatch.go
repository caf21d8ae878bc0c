package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/servicelink"
)

// messageLoop repeatedly receives a DLMessage array and dispatches on its
// first element, until a termination condition fires.
func (b *DeviceBackup) messageLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.userCancelled.Set(true)
			return nil
		default:
		}
		if b.userCancelled.Value() {
			return nil
		}
		if b.deviceGone.Value() {
			return ierrors.New(ierrors.TransportLost, "device disconnected from the multiplexer")
		}

		msg, err := b.link.Receive()
		if err != nil {
			if servicelink.IsTimeout(err) {
				b.transition(SnapshotWaiting)
				b.clockSleep()
				continue
			}
			if ierrors.CodeOf(err) == ierrors.TransportLost {
				b.deviceGone.Set(true)
			}
			return err
		}
		if len(msg) == 0 {
			continue
		}
		tag, _ := msg[0].(string)

		finished, err := b.dispatch(tag, msg)
		if err != nil {
			return err
		}
		b.writeInfoPlistOnce()
		if finished {
			b.transition(SnapshotFinished)
			return nil
		}
	}
}

func (b *DeviceBackup) clockSleep() {
	b.clock.Sleep(messageLoopRetryDelay)
}

// writeInfoPlistOnce builds Info.plist after the first message completes
// successfully.
func (b *DeviceBackup) writeInfoPlistOnce() {
	if b.infoPlistWritten {
		return
	}
	b.infoPlistWritten = true
	if err := WriteInfoPlist(b.opts.BackupRoot, b.opts.UDID, b.deviceInfo, b.clock.Now()); err != nil {
		b.log.WithError(err).Warn("backup: failed to write Info.plist")
	}
}

// messageLoopRetryDelay is the delay before retrying after a device
// "not ready yet" timeout.
const messageLoopRetryDelay = 100 * time.Millisecond

func (b *DeviceBackup) dispatch(tag string, msg []interface{}) (finished bool, err error) {
	switch tag {
	case servicelink.MsgDownloadFiles:
		return false, b.handleDownloadFiles(msg)
	case servicelink.MsgUploadFiles:
		return false, b.link.SendStatusResponse(0, nil)
	case servicelink.MsgGetFreeDiskSpace:
		return false, b.handleGetFreeDiskSpace()
	case servicelink.MsgContentsOfDirectory:
		return false, b.handleContentsOfDirectory(msg)
	case servicelink.MsgCreateDirectory:
		return false, b.handleCreateDirectory(msg)
	case servicelink.MsgMoveFiles, servicelink.MsgMoveItems:
		return false, b.handleMoveItems(msg)
	case servicelink.MsgRemoveFiles, servicelink.MsgRemoveItems:
		return false, b.handleRemoveItems(msg)
	case servicelink.MsgCopyItem:
		return false, b.handleCopyItem(msg)
	case servicelink.MsgProcessMessage:
		return b.handleProcessMessage(msg)
	case servicelink.MsgDisconnect:
		return true, nil
	default:
		b.log.Warnf("backup: ignoring unknown DLMessage tag %q", tag)
		return false, nil
	}
}

func (b *DeviceBackup) handleDownloadFiles(msg []interface{}) error {
	b.transition(SnapshotRunning)
	if len(msg) < 2 {
		return ierrors.New(ierrors.ProtocolViolation, "DLMessageDownloadFiles missing file list")
	}
	rawFiles, _ := msg[1].([]interface{})

	for _, rf := range rawFiles {
		pair, _ := rf.([]interface{})
		if len(pair) < 2 {
			continue
		}
		devicePath, _ := pair[0].(string)
		backupPath, _ := pair[1].(string)

		if backupPath == "" {
			backupPath = strings.TrimPrefix(devicePath, "/")
			b.sink.Status("no backup path given for " + devicePath + ", deriving one from the device path")
		}

		localPath, err := b.localPath(backupPath)
		if err != nil {
			b.failedFiles = append(b.failedFiles, BackupFile{DevicePath: devicePath, BackupPath: backupPath})
			b.sink.FileTransferError(BackupFile{DevicePath: devicePath, BackupPath: backupPath}, err)
			continue
		}

		file := BackupFile{DevicePath: devicePath, BackupPath: backupPath, LocalPath: localPath}
		endBatch, transferErr, err := receiveFile(b.link.Conn.Raw(), &file, b.sink)
		if err != nil {
			return err
		}
		if transferErr != nil {
			b.failedFiles = append(b.failedFiles, file)
			if cancel := b.sink.FileTransferError(file, transferErr); cancel {
				b.userCancelled.Set(true)
			}
		}
		if endBatch {
			break
		}
	}

	if len(msg) > 3 {
		if pct, ok := toFloat(msg[3]); ok {
			b.sink.Progress(pct)
		}
	}
	return b.link.SendStatusResponse(0, nil)
}

func (b *DeviceBackup) handleGetFreeDiskSpace() error {
	root := filepath.Join(b.opts.BackupRoot, b.opts.UDID)
	free, err := freeDiskSpace(root)
	if err != nil {
		return b.link.SendStatusResponse(-1, nil)
	}
	return b.link.Send([]interface{}{servicelink.MsgStatusResponse, int64(0), int64(free)})
}

func (b *DeviceBackup) handleContentsOfDirectory(msg []interface{}) error {
	if len(msg) < 2 {
		return b.link.SendStatusResponse(-1, nil)
	}
	rel, _ := msg[1].(string)
	dir, err := b.localPath(rel)
	if err != nil {
		return b.link.SendStatusResponse(-1, nil)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return b.link.Send([]interface{}{servicelink.MsgStatusResponse, int64(0), map[string]interface{}{}})
	}

	listing := map[string]interface{}{}
	for _, e := range entries {
		fileType := "DLFileTypeRegular"
		var size int64
		if e.IsDir() {
			fileType = "DLFileTypeDirectory"
		} else if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		listing[e.Name()] = map[string]interface{}{
			"DLFileType": fileType,
			"DLFileSize": size,
		}
	}
	return b.link.Send([]interface{}{servicelink.MsgStatusResponse, int64(0), listing})
}

func (b *DeviceBackup) handleCreateDirectory(msg []interface{}) error {
	if len(msg) < 2 {
		return b.link.SendStatusResponse(-1, nil)
	}
	rel, _ := msg[1].(string)
	dir, err := b.localPath(rel)
	if err != nil {
		return b.link.SendStatusResponse(-1, nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return b.link.SendStatusResponse(-1, nil)
	}
	return b.link.SendStatusResponse(0, nil)
}

func (b *DeviceBackup) handleMoveItems(msg []interface{}) error {
	if len(msg) < 2 {
		return b.link.SendStatusResponse(-1, nil)
	}
	moves, _ := msg[1].(map[string]interface{})
	for src, dstVal := range moves {
		dst, _ := dstVal.(string)
		srcPath, err1 := b.localPath(src)
		dstPath, err2 := b.localPath(dst)
		if err1 != nil || err2 != nil {
			continue
		}
		os.Rename(srcPath, dstPath)
	}
	return b.link.SendStatusResponse(0, nil)
}

func (b *DeviceBackup) handleRemoveItems(msg []interface{}) error {
	if len(msg) < 2 {
		return b.link.SendStatusResponse(-1, nil)
	}
	paths, _ := msg[1].([]interface{})
	for _, p := range paths {
		rel, _ := p.(string)
		localPath, err := b.localPath(rel)
		if err != nil {
			continue
		}
		os.RemoveAll(localPath)
	}
	return b.link.SendStatusResponse(0, nil)
}

// handleCopyItem always sends a status response, rather than letting a
// copy complete silently and risk stalling the device's wait for an ack.
func (b *DeviceBackup) handleCopyItem(msg []interface{}) error {
	if len(msg) < 3 {
		return b.link.SendStatusResponse(0, nil)
	}
	src, _ := msg[1].(string)
	dst, _ := msg[2].(string)
	srcPath, err1 := b.localPath(src)
	dstPath, err2 := b.localPath(dst)
	if err1 == nil && err2 == nil {
		if info, err := os.Stat(srcPath); err == nil && !info.IsDir() {
			copyFile(srcPath, dstPath)
		}
	}
	return b.link.SendStatusResponse(0, nil)
}

func (b *DeviceBackup) handleProcessMessage(msg []interface{}) (finished bool, err error) {
	if len(msg) < 2 {
		return false, nil
	}
	dict, _ := msg[1].(map[string]interface{})
	code, _ := toFloat(dict["ErrorCode"])
	switch int(code) {
	case 0:
		return true, nil
	case -208:
		return false, ierrors.New(ierrors.DeviceLocked, "backup denied: device locked")
	case -38, -207:
		return false, ierrors.New(ierrors.PolicyDenied, "backup denied by device policy")
	default:
		return false, nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
