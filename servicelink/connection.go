// Package servicelink implements the two layers that sit between a
// lockdown-activated service port and the backup engine: ServiceConnection
// (a byte stream with optional TLS and optional plist framing) and
// DeviceLink (the DLMessage* envelope and version handshake carried over
// one).
package servicelink

import (
	"net"
	"time"

	"github.com/MarkFassett/Netimobiledevice/internal/devicetls"
	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
)

// DefaultTimeout is the default service socket I/O timeout.
const DefaultTimeout = 180 * time.Second

// ServiceConnection owns one post-StartService socket exclusively. It
// layers behavior (TLS, plist framing) over an inner byte-stream resource
// rather than reimplementing I/O itself.
type ServiceConnection struct {
	conn       net.Conn
	fr         *framing.Reader
	Name       string
	SSLEnabled bool
	Timeout    time.Duration
}

// NewServiceConnection wraps conn, which must already be the tunneled
// socket lockdown.Client.StartService's port was dialed on.
func NewServiceConnection(conn net.Conn, name string) *ServiceConnection {
	sc := &ServiceConnection{conn: conn, fr: framing.NewReader(conn), Name: name, Timeout: DefaultTimeout}
	sc.applyDeadline()
	return sc
}

func (sc *ServiceConnection) applyDeadline() {
	if sc.Timeout > 0 {
		sc.conn.SetDeadline(time.Now().Add(sc.Timeout))
	}
}

// UpgradeTLS performs the per-service TLS upgrade lockdown's StartService
// reply asks for when it sets EnableServiceSSL.
func (sc *ServiceConnection) UpgradeTLS(record usbmux.PairRecord) error {
	tlsConn, err := devicetls.UpgradeClient(sc.conn, record)
	if err != nil {
		return err
	}
	sc.conn = tlsConn
	sc.fr = framing.NewReader(tlsConn)
	sc.SSLEnabled = true
	return nil
}

// SendPlist writes a {length u32 BE}{plist} frame, the envelope lockdown
// and plist-oriented services share.
func (sc *ServiceConnection) SendPlist(v interface{}) error {
	sc.applyDeadline()
	payload, err := plistio.Encode(v)
	if err != nil {
		return err
	}
	return framing.WriteLengthPrefixed(sc.conn, payload)
}

// ReceivePlist reads one {length u32 BE}{plist} frame and decodes it.
func (sc *ServiceConnection) ReceivePlist(v interface{}) error {
	sc.applyDeadline()
	payload, err := sc.fr.ReadLengthPrefixed()
	if err != nil {
		return err
	}
	return plistio.Decode(payload, v)
}

// Raw exposes the underlying connection for raw-byte services (AFC,
// Syslog) that bypass the plist envelope entirely.
func (sc *ServiceConnection) Raw() net.Conn {
	return sc.conn
}

// Close tears down TLS (if any) and the TCP channel.
func (sc *ServiceConnection) Close() error {
	return sc.conn.Close()
}

// classifyServiceIOErr is the hook DeviceLink.Receive uses before handing
// an error to its caller; framing already wraps transport errors as
// TransportLost, so this only exists as a seam for future per-service
// error shaping. IsTimeout (in devicelink.go) does the real timeout
// detection by walking the Unwrap chain for a net.Error.
func classifyServiceIOErr(err error) error {
	return err
}
