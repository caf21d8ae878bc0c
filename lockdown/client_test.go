package lockdown

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"testing"

	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLockdownd is a minimal lockdownd stand-in over net.Pipe: it decodes
// one length-prefixed plist request at a time and calls handler to
// produce the reply.
type fakeLockdownd struct {
	conn    net.Conn
	fr      *framing.Reader
	handler func(req plistio.Dict) plistio.Dict
}

func newFakeLockdowndPair(t *testing.T) (*Client, *fakeLockdownd) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	daemon := &fakeLockdownd{conn: serverConn, fr: framing.NewReader(serverConn)}
	client := NewClient(clientConn, nil)
	return client, daemon
}

func (d *fakeLockdownd) serveOne(t *testing.T) plistio.Dict {
	t.Helper()
	payload, err := d.fr.ReadLengthPrefixed()
	require.NoError(t, err)
	req, err := plistio.DecodeDict(payload)
	require.NoError(t, err)

	reply := d.handler(req)
	out, err := plistio.Encode(reply)
	require.NoError(t, err)
	require.NoError(t, framing.WriteLengthPrefixed(d.conn, out))
	return req
}

// memoryPairRecordStore is an in-memory PairRecordStore for tests.
type memoryPairRecordStore struct {
	records map[string]usbmux.PairRecord
}

func newMemoryPairRecordStore() *memoryPairRecordStore {
	return &memoryPairRecordStore{records: map[string]usbmux.PairRecord{}}
}

func (s *memoryPairRecordStore) ReadPairRecord(udid string) (usbmux.PairRecord, error) {
	r, ok := s.records[udid]
	if !ok {
		return usbmux.PairRecord{}, ierrors.New(ierrors.NotPaired, "no record for %s", udid)
	}
	return r, nil
}

func (s *memoryPairRecordStore) SavePairRecord(udid string, record usbmux.PairRecord) error {
	s.records[udid] = record
	return nil
}

func TestQueryTypeSuccess(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		assert.Equal(t, "QueryType", req["Request"])
		return plistio.Dict{"Type": lockdownProtocolType}
	}
	go daemon.serveOne(t)

	assert.NoError(t, client.QueryType())
}

func TestQueryTypeWrongPeer(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		return plistio.Dict{"Type": "com.apple.something.else"}
	}
	go daemon.serveOne(t)

	err := client.QueryType()
	require.Error(t, err)
	assert.Equal(t, ierrors.NotLockdown, ierrors.CodeOf(err))
}

func TestGetValueReturnsValue(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		if req["Request"] == "GetValue" {
			assert.Equal(t, "DeviceName", req["Key"])
			return plistio.Dict{"Key": "DeviceName", "Value": "Test iPhone"}
		}
		return plistio.Dict{}
	}
	go daemon.serveOne(t)

	v, err := client.GetValue("", "DeviceName")
	require.NoError(t, err)
	assert.Equal(t, "Test iPhone", v)
}

func TestGetValueErrorReply(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		return plistio.Dict{"Error": "PasswordProtected"}
	}
	go daemon.serveOne(t)

	_, err := client.GetValue("", "DeviceName")
	require.Error(t, err)
	assert.Equal(t, ierrors.DeviceLocked, ierrors.CodeOf(err))
}

func TestStartServiceReturnsPort(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		assert.Equal(t, "com.apple.mobilebackup2", req["Service"])
		return plistio.Dict{"Port": int64(12345), "EnableServiceSSL": true}
	}
	go daemon.serveOne(t)

	port, ssl, err := client.StartService("com.apple.mobilebackup2", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, port)
	assert.True(t, ssl)
}

func TestStartServiceForwardsEscrowBag(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		assert.Equal(t, []byte("escrow-bytes"), req["EscrowBag"])
		return plistio.Dict{"Port": int64(12345), "EnableServiceSSL": true}
	}
	go daemon.serveOne(t)

	_, _, err := client.StartService("com.apple.mobilebackup2", []byte("escrow-bytes"))
	require.NoError(t, err)
}

func TestStartServiceOmitsEmptyEscrowBag(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		_, present := req["EscrowBag"]
		assert.False(t, present)
		return plistio.Dict{"Port": int64(12345), "EnableServiceSSL": false}
	}
	go daemon.serveOne(t)

	_, _, err := client.StartService("com.apple.mobilebackup2", nil)
	require.NoError(t, err)
}

func TestStartServiceFailure(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		return plistio.Dict{"Error": "InvalidService"}
	}
	go daemon.serveOne(t)

	_, _, err := client.StartService("com.apple.nonexistent", nil)
	require.Error(t, err)
	assert.Equal(t, ierrors.ServiceStartFailed, ierrors.CodeOf(err))
}

func TestPairSendsRecordAndPersists(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	store := newMemoryPairRecordStore()

	devKey, err := rsa.GenerateKey(rand.Reader, pairingRSAKeyBits)
	require.NoError(t, err)
	devicePubDER := x509.MarshalPKCS1PublicKey(&devKey.PublicKey)

	requests := make(chan plistio.Dict, 2)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		requests <- req
		switch req["Request"] {
		case "GetValue":
			return plistio.Dict{"Value": devicePubDER}
		case "Pair":
			opts, ok := req["PairingOptions"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, true, opts["ExtendedPairingErrors"])
			return plistio.Dict{"PairRecord": req["PairRecord"], "EscrowBag": []byte("escrow-bytes")}
		}
		return plistio.Dict{}
	}
	go func() {
		daemon.serveOne(t)
		daemon.serveOne(t)
	}()

	record, err := client.Pair("udid-1", "system-buid-1", store, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, record.HostID)
	assert.NotEmpty(t, record.HostCertificate)
	assert.NotEmpty(t, record.DeviceCertificate)
	assert.Equal(t, []byte("escrow-bytes"), record.EscrowBag)

	stored, err := store.ReadPairRecord("udid-1")
	require.NoError(t, err)
	assert.Equal(t, record.HostID, stored.HostID)

	close(requests)
	var names []interface{}
	for r := range requests {
		names = append(names, r["Request"])
	}
	assert.Equal(t, []interface{}{"GetValue", "Pair"}, names)
}

func TestPairDeniedByUser(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	store := newMemoryPairRecordStore()

	devKey, err := rsa.GenerateKey(rand.Reader, pairingRSAKeyBits)
	require.NoError(t, err)
	devicePubDER := x509.MarshalPKCS1PublicKey(&devKey.PublicKey)

	daemon.handler = func(req plistio.Dict) plistio.Dict {
		if req["Request"] == "GetValue" {
			return plistio.Dict{"Value": devicePubDER}
		}
		return plistio.Dict{"Error": "UserDeniedPairing"}
	}
	go func() {
		daemon.serveOne(t)
		daemon.serveOne(t)
	}()

	var progressed []PairingState
	sink := progressRecorder{states: &progressed}

	_, err = client.Pair("udid-2", "system-buid-1", store, sink)
	require.Error(t, err)
	assert.Equal(t, ierrors.UserDeniedPairing, ierrors.CodeOf(err))
	assert.Contains(t, progressed, PairingStateAwaitingUserConsent)
}

type progressRecorder struct {
	states *[]PairingState
}

func (r progressRecorder) PairingProgress(state PairingState) {
	*r.states = append(*r.states, state)
}

func TestPairWithRetrySucceedsAfterDialogPending(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	store := newMemoryPairRecordStore()

	devKey, err := rsa.GenerateKey(rand.Reader, pairingRSAKeyBits)
	require.NoError(t, err)
	devicePubDER := x509.MarshalPKCS1PublicKey(&devKey.PublicKey)

	attempt := 0
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		if req["Request"] == "GetValue" {
			return plistio.Dict{"Value": devicePubDER}
		}
		attempt++
		if attempt < 3 {
			return plistio.Dict{"Error": "PairingDialogResponsePending"}
		}
		return plistio.Dict{"PairRecord": req["PairRecord"]}
	}
	go func() {
		for i := 0; i < 6; i++ {
			daemon.serveOne(t)
		}
	}()

	util.TestClock.Reset()
	record, err := client.PairWithRetry("udid-3", "buid-1", store, nil, &util.TestClock)
	require.NoError(t, err)
	assert.NotEmpty(t, record.HostID)
	assert.Equal(t, 3, attempt)
}

func TestStartSessionWithoutSSL(t *testing.T) {
	client, daemon := newFakeLockdowndPair(t)
	daemon.handler = func(req plistio.Dict) plistio.Dict {
		assert.Equal(t, "StartSession", req["Request"])
		return plistio.Dict{"SessionID": "session-xyz"}
	}
	go daemon.serveOne(t)

	record := usbmux.PairRecord{HostID: "host-1", SystemBUID: "buid-1"}
	require.NoError(t, client.StartSession(record))
	assert.Equal(t, "session-xyz", client.Session().SessionID)
	assert.False(t, client.Session().SSLEnabled)
}
