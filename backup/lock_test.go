package backup

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/MarkFassett/Netimobiledevice/afc"
	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
	"github.com/MarkFassett/Netimobiledevice/servicelink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	afcOpFileOpen  = 0x0000000d
	afcOpFileClose = 0x0000000e
	afcOpFileLock  = 0x0000000b
	afcOpStatus    = 0x00000001
	afcOpOpenRes   = 0x00000017

	afcErrSuccess    = 0
	afcErrWouldBlock = 23
)

// readAfcPacket and writeAfcPacket re-implement the afc package's wire
// format from outside the package, since its header fields are
// unexported; the fake device here plays the device role, not the client.
func readAfcPacket(t *testing.T, conn net.Conn) (op uint64, payload []byte) {
	t.Helper()
	buf := make([]byte, 40)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	entireLength := binary.LittleEndian.Uint64(buf[8:16])
	op = binary.LittleEndian.Uint64(buf[32:40])
	remaining := entireLength - 40
	payload = make([]byte, remaining)
	if remaining > 0 {
		_, err := io.ReadFull(conn, payload)
		require.NoError(t, err)
	}
	return op, payload
}

func writeAfcPacket(t *testing.T, conn net.Conn, pktNum uint64, op uint64, payload []byte) {
	t.Helper()
	buf := make([]byte, 40)
	copy(buf[0:8], "CFA6LPAA")
	binary.LittleEndian.PutUint64(buf[8:16], uint64(40+len(payload)))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(40+len(payload)))
	binary.LittleEndian.PutUint64(buf[24:32], pktNum)
	binary.LittleEndian.PutUint64(buf[32:40], op)
	_, err := conn.Write(buf)
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err := conn.Write(payload)
		require.NoError(t, err)
	}
}

func statusPayload(code uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, code)
	return buf
}

// drainNotifications discards count PostNotification frames sent over conn.
func drainNotifications(t *testing.T, conn net.Conn, count int) {
	t.Helper()
	fr := framing.NewReader(conn)
	for i := 0; i < count; i++ {
		_, err := fr.ReadLengthPrefixed()
		require.NoError(t, err)
	}
}

func TestAcquireSucceedsAfterWouldBlockRetries(t *testing.T) {
	afcClientConn, afcServerConn := net.Pipe()
	notifyClientConn, notifyServerConn := net.Pipe()
	defer afcClientConn.Close()
	defer notifyClientConn.Close()

	afcClient := afc.NewClient(afcClientConn)
	notify := newNotifier(servicelink.NewServiceConnection(notifyClientConn, "notification_proxy"))

	util.TestClock.Reset()

	done := make(chan struct{})
	go func() {
		defer close(done)
		drainNotifications(t, notifyServerConn, 1) // syncWillStart

		op, _ := readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileOpen, op)
		h := make([]byte, 8)
		binary.LittleEndian.PutUint64(h, 9)
		writeAfcPacket(t, afcServerConn, 0, afcOpOpenRes, h)

		drainNotifications(t, notifyServerConn, 1) // syncLockRequest

		op, _ = readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileLock, op)
		writeAfcPacket(t, afcServerConn, 1, afcOpStatus, statusPayload(afcErrWouldBlock))

		op, _ = readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileLock, op)
		writeAfcPacket(t, afcServerConn, 2, afcOpStatus, statusPayload(afcErrWouldBlock))

		op, _ = readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileLock, op)
		writeAfcPacket(t, afcServerConn, 3, afcOpStatus, statusPayload(afcErrSuccess))

		drainNotifications(t, notifyServerConn, 1) // syncDidStart
	}()

	l, err := acquire(afcClient, notify, &util.TestClock)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.EqualValues(t, 9, l.handle)

	<-done

	release := make(chan struct{})
	go func() {
		defer close(release)
		drainNotifications(t, notifyServerConn, 1) // syncDidFinish
		op, _ := readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileClose, op)
		writeAfcPacket(t, afcServerConn, 4, afcOpStatus, statusPayload(afcErrSuccess))
	}()
	assert.NoError(t, l.release())
	<-release

	// release is idempotent.
	assert.NoError(t, l.release())
}

func TestAcquireGivesUpAfterMaxAttempts(t *testing.T) {
	afcClientConn, afcServerConn := net.Pipe()
	notifyClientConn, notifyServerConn := net.Pipe()
	defer afcClientConn.Close()
	defer notifyClientConn.Close()

	afcClient := afc.NewClient(afcClientConn)
	notify := newNotifier(servicelink.NewServiceConnection(notifyClientConn, "notification_proxy"))

	util.TestClock.Reset()

	done := make(chan struct{})
	go func() {
		defer close(done)
		drainNotifications(t, notifyServerConn, 1) // syncWillStart

		op, _ := readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileOpen, op)
		h := make([]byte, 8)
		binary.LittleEndian.PutUint64(h, 9)
		writeAfcPacket(t, afcServerConn, 0, afcOpOpenRes, h)

		drainNotifications(t, notifyServerConn, 1) // syncLockRequest

		for i := 0; i < LockMaxAttempts; i++ {
			op, _ := readAfcPacket(t, afcServerConn)
			assert.EqualValues(t, afcOpFileLock, op)
			writeAfcPacket(t, afcServerConn, uint64(i+1), afcOpStatus, statusPayload(afcErrWouldBlock))
		}

		op, _ = readAfcPacket(t, afcServerConn)
		assert.EqualValues(t, afcOpFileClose, op)
		writeAfcPacket(t, afcServerConn, uint64(LockMaxAttempts+1), afcOpStatus, statusPayload(afcErrSuccess))
	}()

	l, err := acquire(afcClient, notify, &util.TestClock)
	require.Error(t, err)
	assert.Nil(t, l)

	<-done
}
