package backup

import (
	"io"
	"os"
	"path/filepath"

	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
)

// Result codes the device sends ahead of each chunk during streaming
// file reception.
const (
	resultSuccess     = 0x00
	resultFileNotFound = 0x06
	resultRemoteError = 0x0B
	resultFileData    = 0x0C
)

// chunkBufferSize is the streaming buffer size for each received chunk.
const chunkBufferSize = 32 * 1024

// receiveFile runs one file's chunk loop against r (the raw DeviceLink
// socket — file content is not plist-framed). It returns endBatch=true
// when a negative length signals the whole batch is over, and a non-nil
// transferErr when the device reported a per-file error; transferErr
// never aborts the batch on its own. f.received guards against raising
// FileReceived more than once for the same file.
func receiveFile(r io.Reader, f *BackupFile, sink Sink) (endBatch bool, transferErr error, err error) {
	if sinkErr := os.MkdirAll(filepath.Dir(f.LocalPath), 0o755); sinkErr != nil {
		return false, nil, ierrors.Wrap(ierrors.BackupFileError, sinkErr, "create parent directory for %s", f.LocalPath)
	}

	out, err := os.OpenFile(f.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false, nil, ierrors.Wrap(ierrors.BackupFileError, err, "open %s for writing", f.LocalPath)
	}
	defer out.Close()

	sink.BeforeReceivingFile(*f)
	buf := make([]byte, chunkBufferSize)

	finalize := func() {
		if f.received {
			panic("backup: FileReceived raised twice for " + f.BackupPath)
		}
		f.received = true
		sink.FileReceived(*f)
	}

	for {
		size, err := framing.ReadInt32BE(r)
		if err != nil {
			return false, nil, err
		}
		if size == 0 {
			finalize()
			return false, nil, nil
		}
		if size < 0 {
			return true, nil, nil
		}

		var code byte
		if _, err := io.ReadFull(r, buf[:1]); err != nil {
			return false, nil, err
		}
		code = buf[0]
		remaining := int(size) - 1

		switch code {
		case resultFileData:
			if err := copyChunked(r, out, remaining, buf, func(n int) { sink.FileReceiving(*f, n) }); err != nil {
				return false, nil, err
			}
		case resultSuccess:
			finalize()
			return false, nil, nil
		default:
			msg := make([]byte, remaining)
			if remaining > 0 {
				if _, err := io.ReadFull(r, msg); err != nil {
					return false, nil, err
				}
			}
			transferErr = ierrors.New(ierrors.BackupFileError, "%s: %s", f.BackupPath, string(msg))
			return false, transferErr, nil
		}
	}
}

// copyChunked copies exactly n bytes from r to w using buf as scratch, in
// buffered reads, calling onChunk after each write.
func copyChunked(r io.Reader, w io.Writer, n int, buf []byte, onChunk func(int)) error {
	for n > 0 {
		want := len(buf)
		if want > n {
			want = n
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return err
		}
		if _, err := w.Write(buf[:want]); err != nil {
			return ierrors.Wrap(ierrors.BackupFileError, err, "write chunk")
		}
		onChunk(want)
		n -= want
	}
	return nil
}
