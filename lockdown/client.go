package lockdown

import (
	"net"
	"sync"

	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/sirupsen/logrus"
)

const lockdownProtocolType = "com.apple.mobile.lockdown"

// Client owns one lockdownd connection. It serializes every request behind
// a single mutex: lockdownd processes one outstanding request at a time,
// so there is nothing to gain (and a wire desync to lose) by pipelining.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	fr   *framing.Reader
	log  *logrus.Logger

	session Session
}

// NewClient wraps conn, which must already be connected to LockdownPort on
// the device (typically via usbmux.Client.Connect).
func NewClient(conn net.Conn, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{conn: conn, fr: framing.NewReader(conn), log: log}
}

// Session returns a snapshot of the client's current session state.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) send(dict plistio.Dict) error {
	payload, err := plistio.Encode(dict)
	if err != nil {
		return err
	}
	return framing.WriteLengthPrefixed(c.conn, payload)
}

func (c *Client) receive() (plistio.Dict, error) {
	payload, err := c.fr.ReadLengthPrefixed()
	if err != nil {
		return nil, err
	}
	return plistio.DecodeDict(payload)
}

// request performs one send/receive round trip and surfaces an Error
// field in the reply as the error classifyLockdownError maps it to.
func (c *Client) request(dict plistio.Dict) (plistio.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(dict)
}

func (c *Client) requestLocked(dict plistio.Dict) (plistio.Dict, error) {
	if err := c.send(dict); err != nil {
		return nil, err
	}
	reply, err := c.receive()
	if err != nil {
		return nil, err
	}
	if errName := reply.OptString("Error", ""); errName != "" {
		return reply, classifyLockdownError(errName)
	}
	return reply, nil
}

func classifyLockdownError(name string) error {
	switch name {
	case "PasswordProtected":
		return ierrors.New(ierrors.DeviceLocked, "device requires passcode to be entered")
	case "PairingDialogResponsePending":
		return ierrors.New(ierrors.PairingDialogPending, "user has not responded to the pairing prompt yet")
	case "UserDeniedPairing":
		return ierrors.New(ierrors.UserDeniedPairing, "user declined the pairing request")
	case "InvalidHostID":
		return ierrors.New(ierrors.InvalidHostID, "host is not in the device's trusted host list")
	case "DeprecatedInThisVersion":
		return ierrors.New(ierrors.Deprecated, "lockdown request deprecated on this device")
	case "MissingValue", "InvalidConfiguration":
		return ierrors.New(ierrors.ProtocolViolation, "lockdown request rejected: %s", name)
	default:
		return ierrors.New(ierrors.ProtocolViolation, "lockdown error: %s", name)
	}
}

// QueryType confirms the peer answers as lockdownd before doing anything
// else.
func (c *Client) QueryType() error {
	reply, err := c.request(plistio.Dict{"Request": "QueryType"})
	if err != nil {
		return err
	}
	if typ := reply.OptString("Type", ""); typ != lockdownProtocolType {
		return ierrors.New(ierrors.NotLockdown, "peer identified as %q, not lockdownd", typ)
	}
	return nil
}

// GetValue reads a single value from lockdownd's property store. An empty
// domain or key is left out of the request; with key "" the reply's Value
// is the whole dictionary of domain (or of the top level if domain is "").
func (c *Client) GetValue(domain, key string) (interface{}, error) {
	req := plistio.Dict{"Request": "GetValue"}
	if domain != "" {
		req["Domain"] = domain
	}
	if key != "" {
		req["Key"] = key
	}
	reply, err := c.request(req)
	if err != nil {
		return nil, err
	}
	v, ok := reply["Value"]
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "GetValue reply missing Value")
	}
	return v, nil
}

// SetValue writes a single value into lockdownd's property store.
func (c *Client) SetValue(domain, key string, value interface{}) error {
	req := plistio.Dict{"Request": "SetValue", "Value": value}
	if domain != "" {
		req["Domain"] = domain
	}
	if key != "" {
		req["Key"] = key
	}
	_, err := c.request(req)
	return err
}

// Goodbye performs the explicit session teardown; the caller still owns
// closing the underlying connection.
func (c *Client) Goodbye() error {
	_, err := c.request(plistio.Dict{"Request": "Goodbye"})
	return err
}

// StartService asks lockdownd to start the named service and returns the
// port to connect to for it. If the service requires its own TLS,
// EnableServiceSSL reports true. escrowBag, when non-empty, is forwarded
// as the request's EscrowBag field; some services use it to skip a
// re-pairing prompt.
func (c *Client) StartService(name string, escrowBag []byte) (port uint16, enableServiceSSL bool, err error) {
	req := plistio.Dict{"Request": "StartService", "Service": name}
	if len(escrowBag) > 0 {
		req["EscrowBag"] = escrowBag
	}
	reply, err := c.request(req)
	if err != nil {
		return 0, false, ierrors.Wrap(ierrors.ServiceStartFailed, err, "start service %s", name)
	}
	p := reply.OptInt("Port", 0)
	if p <= 0 || p > 65535 {
		return 0, false, ierrors.New(ierrors.ServiceStartFailed, "service %s returned invalid port %d", name, p)
	}
	return uint16(p), reply.Bool("EnableServiceSSL"), nil
}
