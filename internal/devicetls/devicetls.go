// Package devicetls performs the in-place TLS upgrade shared by lockdown
// session start and service-connection activation: wrap an already-open
// net.Conn in TLS using the host identity from a pair record, trusting
// only the exact device certificate that pairing negotiated.
package devicetls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
)

// UpgradeClient wraps conn in a TLS client connection and performs the
// handshake, returning the upgraded connection. The caller replaces its
// stored net.Conn and any framing.Reader built on it with the result.
func UpgradeClient(conn net.Conn, record usbmux.PairRecord) (*tls.Conn, error) {
	cert, err := tls.X509KeyPair(record.HostCertificate, record.HostPrivateKey)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.TlsUpgradeFailed, err, "load host identity")
	}

	deviceCert, err := decodePEMCert(record.DeviceCertificate)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.TlsUpgradeFailed, err, "decode device certificate")
	}

	conf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if string(raw) == string(deviceCert.Raw) {
					return nil
				}
			}
			return ierrors.New(ierrors.TlsUpgradeFailed, "device did not present the paired certificate")
		},
	}

	tlsConn := tls.Client(conn, conf)
	if err := tlsConn.Handshake(); err != nil {
		return nil, ierrors.Wrap(ierrors.TlsUpgradeFailed, err, "TLS handshake")
	}
	return tlsConn, nil
}

func decodePEMCert(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ierrors.New(ierrors.ProtocolViolation, "not a PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}
