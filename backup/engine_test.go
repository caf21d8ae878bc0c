package backup

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkFassett/Netimobiledevice/afc"
	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/MarkFassett/Netimobiledevice/servicelink"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFullSequenceToDisconnect(t *testing.T) {
	backupClient, backupServer := net.Pipe()
	notifyClient, notifyServer := net.Pipe()
	afcClient, afcServer := net.Pipe()
	defer backupClient.Close()
	defer notifyClient.Close()
	defer afcClient.Close()

	backupConn := servicelink.NewServiceConnection(backupClient, "com.apple.mobilebackup2")
	backupConn.Timeout = 0
	notifyConn := servicelink.NewServiceConnection(notifyClient, "com.apple.mobile.notification_proxy")
	notifyConn.Timeout = 0

	afcConn := afc.NewClient(afcClient)

	sink := &recordingSink{}
	deviceInfo := DeviceInfo{DeviceName: "Test Device", ProductType: "iPhone99,1"}
	opts := Options{UDID: "FEEDFACE0123", BackupRoot: t.TempDir()}

	b := New(opts, backupConn, notifyConn, afcConn, nil, nil, deviceInfo, sink, logrus.StandardLogger())

	deviceDone := make(chan struct{})
	go func() {
		defer close(deviceDone)

		fr := framing.NewReader(backupServer)

		sendFramePlist(t, backupServer, []interface{}{servicelink.MsgVersionExchange, int64(400), int64(0)})
		payload, err := fr.ReadLengthPrefixed()
		require.NoError(t, err)
		var reply []interface{}
		require.NoError(t, plistio.Decode(payload, &reply))
		assert.Equal(t, "DLVersionsOk", reply[1])
		sendFramePlist(t, backupServer, []interface{}{servicelink.MsgDeviceReady})

		drainNotifications(t, notifyServer, 1) // syncWillStart

		op, _ := readAfcPacket(t, afcServer)
		assert.EqualValues(t, afcOpFileOpen, op)
		h := make([]byte, 8)
		binary.LittleEndian.PutUint64(h, 5)
		writeAfcPacket(t, afcServer, 0, afcOpOpenRes, h)

		drainNotifications(t, notifyServer, 1) // syncLockRequest

		op, _ = readAfcPacket(t, afcServer)
		assert.EqualValues(t, afcOpFileLock, op)
		writeAfcPacket(t, afcServer, 1, afcOpStatus, statusPayload(afcErrSuccess))

		drainNotifications(t, notifyServer, 1) // syncDidStart

		payload, err = fr.ReadLengthPrefixed()
		require.NoError(t, err)
		var backupReq []interface{}
		require.NoError(t, plistio.Decode(payload, &backupReq))
		assert.Equal(t, servicelink.MsgProcessMessage, backupReq[0])

		sendFramePlist(t, backupServer, []interface{}{servicelink.MsgDisconnect})

		drainNotifications(t, notifyServer, 1) // syncDidFinish
		op, _ = readAfcPacket(t, afcServer)
		assert.EqualValues(t, afcOpFileClose, op)
		writeAfcPacket(t, afcServer, 2, afcOpStatus, statusPayload(afcErrSuccess))
	}()

	err := b.Run(context.Background())
	require.NoError(t, err)
	<-deviceDone

	require.Len(t, sink.completed, 1)
	assert.False(t, sink.completed[0].UserCancelled)
	assert.False(t, sink.completed[0].DeviceDisconnected)

	_, statErr := os.Stat(filepath.Join(opts.BackupRoot, opts.UDID, "Info.plist"))
	assert.NoError(t, statErr)
}

func sendFramePlist(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	payload, err := plistio.Encode(v)
	require.NoError(t, err)
	require.NoError(t, framing.WriteLengthPrefixed(conn, payload))
}
