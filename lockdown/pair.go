package lockdown

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
	"github.com/google/uuid"
)

const pairingRSAKeyBits = 2048

// Backoff bounds for PairWithRetry, named constants in the style of
// internal/cli's tunables rather than inline magic numbers.
const (
	PairingMinBackoff     = 500 * time.Millisecond
	PairingMaxTotalBackoff = 30 * time.Second
)

// identity is the PEM-encoded host/root key material generated once per
// Pair() call; it becomes the HostCertificate/HostPrivateKey/
// RootCertificate fields of the usbmux.PairRecord that gets persisted.
type identity struct {
	hostID        string
	rootKeyPEM    []byte
	rootCertPEM   []byte
	hostKeyPEM    []byte
	hostCertPEM   []byte
	deviceCertPEM []byte
}

// Pair runs the pairing handshake: read the device's public key, mint a
// host/root identity, send PairRecord, and on success persist the
// resulting usbmux.PairRecord via store. udid identifies the device to
// the store; systemBUID ties the host identity to the daemon's own
// instance.
func (c *Client) Pair(udid, systemBUID string, store PairRecordStore, sink ProgressSink) (usbmux.PairRecord, error) {
	notify(sink, PairingStateQueryingDevicePublicKey)

	devicePublicKeyDER, err := c.devicePublicKey()
	if err != nil {
		return usbmux.PairRecord{}, err
	}

	id, err := buildIdentity(devicePublicKeyDER)
	if err != nil {
		return usbmux.PairRecord{}, ierrors.Wrap(ierrors.TlsUpgradeFailed, err, "generate pairing identity")
	}

	notify(sink, PairingStateSendingPairRequest)
	pairRecordDict := plistio.Dict{
		"DeviceCertificate": id.deviceCertPEM,
		"HostCertificate":   id.hostCertPEM,
		"HostID":            id.hostID,
		"RootCertificate":   id.rootCertPEM,
		"SystemBUID":        systemBUID,
	}

	reply, err := c.request(plistio.Dict{
		"Request":    "Pair",
		"PairRecord": pairRecordDict,
		"PairingOptions": plistio.Dict{
			"ExtendedPairingErrors": true,
		},
	})
	if err != nil {
		switch ierrors.CodeOf(err) {
		case ierrors.UserDeniedPairing, ierrors.PairingDialogPending:
			notify(sink, PairingStateAwaitingUserConsent)
		case ierrors.DeviceLocked:
			notify(sink, PairingStateRequiresPassword)
		}
		return usbmux.PairRecord{}, err
	}

	record := usbmux.PairRecord{
		HostID:            id.hostID,
		SystemBUID:        systemBUID,
		HostCertificate:   id.hostCertPEM,
		HostPrivateKey:    id.hostKeyPEM,
		DeviceCertificate: id.deviceCertPEM,
		RootCertificate:   id.rootCertPEM,
		EscrowBag:         reply.OptBytes("EscrowBag"),
	}
	if err := store.SavePairRecord(udid, record); err != nil {
		return usbmux.PairRecord{}, err
	}

	notify(sink, PairingStatePaired)
	c.mu.Lock()
	c.session.Paired = true
	c.mu.Unlock()
	return record, nil
}

// PairWithRetry calls Pair repeatedly while the device is still showing
// the user the "Trust This Computer?" dialog, backing off between
// attempts, until the user responds or PairingMaxTotalBackoff elapses.
// clock lets tests drive the loop without a real wall-clock wait.
func (c *Client) PairWithRetry(udid, systemBUID string, store PairRecordStore, sink ProgressSink, clock util.Clock) (usbmux.PairRecord, error) {
	if clock == nil {
		clock = util.SystemClock
	}

	backoff := PairingMinBackoff
	deadline := clock.Now().Add(PairingMaxTotalBackoff)
	for {
		record, err := c.Pair(udid, systemBUID, store, sink)
		if err == nil {
			return record, nil
		}
		if ierrors.CodeOf(err) != ierrors.PairingDialogPending || !clock.Now().Before(deadline) {
			return usbmux.PairRecord{}, err
		}

		clock.Sleep(backoff)
		backoff *= 2
		if backoff > PairingMaxTotalBackoff {
			backoff = PairingMaxTotalBackoff
		}
	}
}

func notify(sink ProgressSink, state PairingState) {
	if sink != nil {
		sink.PairingProgress(state)
	}
}

// devicePublicKey asks lockdownd for the device's RSA public key, which is
// a prerequisite value a GetValue("", "DevicePublicKey") call returns in
// DER form before pairing can begin.
func (c *Client) devicePublicKey() ([]byte, error) {
	v, err := c.GetValue("", "DevicePublicKey")
	if err != nil {
		return nil, err
	}
	der, ok := v.([]byte)
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "DevicePublicKey is %T, not data", v)
	}
	return der, nil
}

func buildIdentity(devicePublicKeyDER []byte) (identity, error) {
	hostID := uuid.NewString()

	rootKey, rootCertDER, err := selfSignedCA("Netimobiledevice Root CA")
	if err != nil {
		return identity{}, err
	}
	hostKey, hostCertDER, err := leafCert(rootKey, rootCertDER, "Netimobiledevice Host")
	if err != nil {
		return identity{}, err
	}
	deviceCertDER, err := deviceCert(rootKey, rootCertDER, devicePublicKeyDER)
	if err != nil {
		return identity{}, err
	}

	rootKeyPEM, err := pemEncodeKey(rootKey)
	if err != nil {
		return identity{}, err
	}
	hostKeyPEM, err := pemEncodeKey(hostKey)
	if err != nil {
		return identity{}, err
	}

	return identity{
		hostID:        hostID,
		rootKeyPEM:    rootKeyPEM,
		rootCertPEM:   pemEncodeCert(rootCertDER),
		hostKeyPEM:    hostKeyPEM,
		hostCertPEM:   pemEncodeCert(hostCertDER),
		deviceCertPEM: pemEncodeCert(deviceCertDER),
	}, nil
}

func selfSignedCA(commonName string) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, pairingRSAKeyBits)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).AddDate(30, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

func leafCert(rootKey *rsa.PrivateKey, rootCertDER []byte, commonName string) (*rsa.PrivateKey, []byte, error) {
	rootCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		return nil, nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, pairingRSAKeyBits)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

// deviceCert wraps the device's own DER-encoded RSA public key in a
// certificate signed by the host's root key, the way libimobiledevice's
// pairing protocol expects a DeviceCertificate field to be shaped.
func deviceCert(rootKey *rsa.PrivateKey, rootCertDER, devicePublicKeyDER []byte) ([]byte, error) {
	rootCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		return nil, err
	}
	devicePub, err := x509.ParsePKCS1PublicKey(devicePublicKeyDER)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ProtocolViolation, err, "parse device public key")
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Netimobiledevice Device"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(30, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, rootCert, devicePub, rootKey)
}

func pemEncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func pemEncodeKey(key *rsa.PrivateKey) ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}
