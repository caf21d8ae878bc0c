package backup

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/MarkFassett/Netimobiledevice/servicelink"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatchTestBackup(t *testing.T) (*DeviceBackup, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	sc := servicelink.NewServiceConnection(clientConn, "com.apple.mobilebackup2")
	sc.Timeout = 0

	b := &DeviceBackup{
		opts:  Options{UDID: "abcd1234", BackupRoot: t.TempDir()},
		sink:  &recordingSink{},
		log:   logrus.StandardLogger(),
		clock: &util.TestClock,
		link:  servicelink.NewDeviceLink(sc),
		state: SnapshotWaiting,
	}
	require.NoError(t, os.MkdirAll(filepath.Join(b.opts.BackupRoot, b.opts.UDID), 0o755))
	return b, serverConn
}

func sendRawFileStream(t *testing.T, conn net.Conn, content []byte) {
	t.Helper()
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(content)+1))
	_, err := conn.Write(sizeBuf[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte{resultFileData})
	require.NoError(t, err)
	_, err = conn.Write(content)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(sizeBuf[:], 0)
	_, err = conn.Write(sizeBuf[:])
	require.NoError(t, err)
}

func TestHandleDownloadFilesHappyPath(t *testing.T) {
	b, serverConn := newDispatchTestBackup(t)

	msg := []interface{}{
		servicelink.MsgDownloadFiles,
		[]interface{}{
			[]interface{}{"/DeviceFile.dat", "ab/cdef0123"},
		},
	}

	done := make(chan []interface{}, 1)
	go func() {
		sendRawFileStream(t, serverConn, []byte("payload bytes"))
		fr := framing.NewReader(serverConn)
		payload, err := fr.ReadLengthPrefixed()
		require.NoError(t, err)
		var reply []interface{}
		require.NoError(t, plistio.Decode(payload, &reply))
		done <- reply
	}()

	require.NoError(t, b.handleDownloadFiles(msg))
	reply := <-done
	assert.Equal(t, servicelink.MsgStatusResponse, reply[0])

	got, err := os.ReadFile(filepath.Join(b.opts.BackupRoot, b.opts.UDID, "ab/cdef0123"))
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(got))

	sink := b.sink.(*recordingSink)
	assert.Len(t, sink.received, 1)
	assert.Empty(t, b.failedFiles)
}

func TestHandleDownloadFilesFallsBackToDevicePathWhenBackupPathEmpty(t *testing.T) {
	b, serverConn := newDispatchTestBackup(t)

	msg := []interface{}{
		servicelink.MsgDownloadFiles,
		[]interface{}{
			[]interface{}{"/ab/cdef0123", ""},
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sendRawFileStream(t, serverConn, []byte("payload bytes"))
		fr := framing.NewReader(serverConn)
		_, err := fr.ReadLengthPrefixed()
		require.NoError(t, err)
	}()

	require.NoError(t, b.handleDownloadFiles(msg))
	<-done

	got, err := os.ReadFile(filepath.Join(b.opts.BackupRoot, b.opts.UDID, "ab/cdef0123"))
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(got))

	sink := b.sink.(*recordingSink)
	assert.Len(t, sink.received, 1)
}

func TestHandleDownloadFilesPathEscapeIsRecordedAsFailure(t *testing.T) {
	b, serverConn := newDispatchTestBackup(t)

	msg := []interface{}{
		servicelink.MsgDownloadFiles,
		[]interface{}{
			[]interface{}{"/DeviceFile.dat", "../../etc/passwd"},
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The escape is rejected before any raw bytes are read; only
		// the final status response crosses the wire.
		fr := framing.NewReader(serverConn)
		_, err := fr.ReadLengthPrefixed()
		require.NoError(t, err)
	}()

	require.NoError(t, b.handleDownloadFiles(msg))
	<-done

	assert.Len(t, b.failedFiles, 1)
}

func TestHandleCreateDirectory(t *testing.T) {
	b, serverConn := newDispatchTestBackup(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fr := framing.NewReader(serverConn)
		_, err := fr.ReadLengthPrefixed()
		require.NoError(t, err)
	}()

	err := b.handleCreateDirectory([]interface{}{servicelink.MsgCreateDirectory, "newdir"})
	require.NoError(t, err)
	<-done

	info, statErr := os.Stat(filepath.Join(b.opts.BackupRoot, b.opts.UDID, "newdir"))
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestHandleProcessMessageSuccessFinishes(t *testing.T) {
	b, _ := newDispatchTestBackup(t)
	finished, err := b.handleProcessMessage([]interface{}{
		servicelink.MsgProcessMessage,
		map[string]interface{}{"ErrorCode": int64(0)},
	})
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestHandleProcessMessageLockedDevice(t *testing.T) {
	b, _ := newDispatchTestBackup(t)
	finished, err := b.handleProcessMessage([]interface{}{
		servicelink.MsgProcessMessage,
		map[string]interface{}{"ErrorCode": int64(-208)},
	})
	assert.False(t, finished)
	assert.Error(t, err)
}

func TestDispatchDisconnectEndsMessageLoop(t *testing.T) {
	b, serverConn := newDispatchTestBackup(t)

	go func() {
		msg := []interface{}{servicelink.MsgDisconnect}
		payload, err := plistio.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, framing.WriteLengthPrefixed(serverConn, payload))
	}()

	err := b.messageLoop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SnapshotFinished, b.state)
}
