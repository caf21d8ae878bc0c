package lockdown

import (
	"net"

	"github.com/MarkFassett/Netimobiledevice/internal/devicetls"
	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
)

// StartSession sends StartSession with the paired HostID, and if the
// device asks for SSL, upgrades the connection to TLS in place using the
// host/device certificates from record before any further lockdown
// requests are sent.
func (c *Client) StartSession(record usbmux.PairRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.requestLocked(plistio.Dict{
		"Request":    "StartSession",
		"HostID":     record.HostID,
		"SystemBUID": record.SystemBUID,
	})
	if err != nil {
		return err
	}

	c.session.SessionID = reply.OptString("SessionID", "")
	if c.session.SessionID == "" {
		return ierrors.New(ierrors.ProtocolViolation, "StartSession reply missing SessionID")
	}

	if reply.Bool("EnableSessionSSL") {
		tlsConn, err := devicetls.UpgradeClient(c.conn, record)
		if err != nil {
			return err
		}
		c.conn = tlsConn
		c.fr = framing.NewReader(tlsConn)
		c.session.SSLEnabled = true
	}

	return nil
}

// Conn exposes the underlying connection (post-TLS-upgrade if applicable)
// so callers can hand it to servicelink after StartService.
func (c *Client) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
