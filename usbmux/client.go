// Package usbmux speaks the framed, request/response protocol of the
// local multiplexing daemon (usbmuxd on POSIX, its Windows named-pipe/TCP
// equivalent elsewhere): device enumeration, pair-record read-through
// caching, tunneled-connection setup, and the async attach/detach/paired
// event subscription.
package usbmux

import (
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/MarkFassett/Netimobiledevice/internal/framing"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/sirupsen/logrus"
)

const (
	muxProtocolVersion  = 1
	muxWireTypePlist    = 8 // MessageType field in the 16-byte header: plist variant
	muxProgName         = "netimobiledevice"
	clientVersionString = "netimobiledevice-1.0"
)

// usbmuxd reply "Number" codes for the Result/Connect messages.
const (
	replySuccess           = 0
	replyBadCommand        = 1
	replyBadDevice         = 2
	replyConnectionRefused = 3
	replyBadVersion        = 6
)

// Client owns one connection to the multiplexing daemon and demultiplexes
// replies by tag. A Client is good for
// any number of request/response calls (ListDevices, ReadPairRecord,
// SavePairRecord) until either Connect() hands the underlying socket over
// as a raw tunnel, or Subscribe()/Close() retires it.
type Client struct {
	conn net.Conn
	fr   *framing.Reader
	log  *logrus.Logger

	nextTag uint32

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	closed  bool
	closeErr error

	subMu       sync.Mutex
	onEvent     func(Event)
	onSubsError func(error)
}

type pendingRequest struct {
	replyCh   chan muxReply
	isConnect bool
}

type muxReply struct {
	dict plistio.Dict
	err  error
}

// NewClient wraps an already-dialed connection to the multiplexing daemon
// and starts the background reader that demultiplexes replies by tag.
func NewClient(conn net.Conn, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{
		conn:    conn,
		fr:      framing.NewReader(conn),
		log:     log,
		pending: make(map[uint32]*pendingRequest),
	}
	go c.readLoop()
	return c
}

// Dial opens a fresh connection via d and wraps it in a Client.
func Dial(d Dialer, log *logrus.Logger) (*Client, error) {
	conn, err := d.Dial()
	if err != nil {
		return nil, ierrors.Wrap(ierrors.TransportLost, err, "dial multiplexer")
	}
	return NewClient(conn, log), nil
}

// Close closes the underlying connection and fails any pending requests
// with TransportLost.
func (c *Client) Close() error {
	return c.failAll(ierrors.New(ierrors.TransportLost, "client closed"))
}

func (c *Client) failAll(err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.replyCh <- muxReply{err: err}
	}

	c.subMu.Lock()
	onErr := c.onSubsError
	c.subMu.Unlock()
	if onErr != nil {
		onErr(err)
	}

	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		hdr, payload, err := c.fr.ReadMuxFrame()
		if err != nil {
			c.failAll(err)
			return
		}

		dict, err := plistio.DecodeDict(payload)
		if err != nil {
			c.log.WithError(err).Warn("usbmux: dropping undecodable frame")
			continue
		}

		if hdr.Tag == 0 {
			c.dispatchEvent(dict)
			continue
		}

		c.mu.Lock()
		req, ok := c.pending[hdr.Tag]
		if ok {
			delete(c.pending, hdr.Tag)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Warnf("usbmux: reply for unknown tag %d", hdr.Tag)
			continue
		}

		req.replyCh <- muxReply{dict: dict}
		if req.isConnect {
			// The socket is now a raw tunnel; stop framing it.
			return
		}
	}
}

func (c *Client) dispatchEvent(dict plistio.Dict) {
	msgType := dict.OptString("MessageType", "")
	var kind EventKind
	switch msgType {
	case "Attached":
		kind = Attached
	case "Detached":
		kind = Detached
	case "Paired":
		kind = Paired
	default:
		return
	}

	dev := Device{DeviceID: uint32(dict.OptInt("DeviceID", 0))}
	if props, err := dict.Dict("Properties"); err == nil {
		dev = decodeDeviceProperties(dev.DeviceID, props)
	}

	c.subMu.Lock()
	cb := c.onEvent
	c.subMu.Unlock()
	if cb != nil {
		cb(Event{Kind: kind, Device: dev})
	}
}

func (c *Client) nextRequestTag() uint32 {
	return atomic.AddUint32(&c.nextTag, 1)
}

// request sends a plist-framed request and blocks for its correlated
// reply. isConnect marks a request whose success hands the connection
// over as a raw tunnel (only Connect does this).
func (c *Client) request(msgType string, extra plistio.Dict, isConnect bool) (plistio.Dict, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	tag := c.nextRequestTag()
	req := &pendingRequest{replyCh: make(chan muxReply, 1), isConnect: isConnect}
	c.pending[tag] = req
	c.mu.Unlock()

	body := plistio.Dict{
		"MessageType":         msgType,
		"ClientVersionString": clientVersionString,
		"ProgName":            muxProgName,
	}
	for k, v := range extra {
		body[k] = v
	}

	payload, err := plistio.Encode(body)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, err
	}

	if err := framing.WriteMuxFrame(c.conn, muxProtocolVersion, muxWireTypePlist, tag, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return nil, err
	}

	reply := <-req.replyCh
	return reply.dict, reply.err
}

// ListDevices returns every device currently visible to the daemon. An
// empty reply is not an error.
func (c *Client) ListDevices() ([]Device, error) {
	reply, err := c.request("ListDevices", nil, false)
	if err != nil {
		return nil, err
	}

	raw, err := reply.Array("DeviceList")
	if err != nil {
		// An empty DeviceList key is legal and means no devices.
		return nil, nil
	}

	devices := make([]Device, 0, len(raw))
	for _, item := range raw {
		entry, ok := asDict(item)
		if !ok {
			continue
		}
		deviceID := uint32(entry.OptInt("DeviceID", 0))
		props, err := entry.Dict("Properties")
		if err != nil {
			continue
		}
		devices = append(devices, decodeDeviceProperties(deviceID, props))
	}
	return devices, nil
}

func decodeDeviceProperties(deviceID uint32, props plistio.Dict) Device {
	dev := Device{
		DeviceID: deviceID,
		Serial:   props.OptString("SerialNumber", ""),
	}
	if props.OptString("ConnectionType", "USB") == "Network" {
		dev.ConnectionType = Network
		if addr, err := props.Bytes("NetworkAddress"); err == nil {
			dev.NetworkAddress = addr
		}
		dev.InterfaceIndex = uint32(props.OptInt("InterfaceIndex", 0))
	} else {
		dev.ConnectionType = Usb
	}
	return dev
}

func asDict(v interface{}) (plistio.Dict, bool) {
	switch m := v.(type) {
	case plistio.Dict:
		return m, true
	case map[string]interface{}:
		return plistio.Dict(m), true
	}
	return nil, false
}

// Connect opens a tunneled TCP stream to port on the device identified by
// deviceID. On success the returned net.Conn is a raw byte stream to the
// device; this Client must not be used for any further multiplexer
// requests afterward.
func (c *Client) Connect(deviceID uint32, port uint16) (net.Conn, error) {
	reply, err := c.request("Connect", plistio.Dict{
		"DeviceID":   int64(deviceID),
		"PortNumber": int64(htons(port)),
	}, true)
	if err != nil {
		return nil, err
	}

	number := reply.OptInt("Number", -1)
	switch number {
	case replySuccess:
		return c.conn, nil
	case replyBadDevice:
		return nil, ierrors.New(ierrors.BadDevice, "device %d not found", deviceID)
	case replyConnectionRefused:
		return nil, ierrors.New(ierrors.ConnectionRefused, "device %d refused connection on port %d", deviceID, port)
	case replyBadVersion:
		return nil, ierrors.New(ierrors.BadVersion, "multiplexer rejected protocol version")
	default:
		return nil, ierrors.New(ierrors.ProtocolViolation, "unexpected Connect reply Number=%d", number)
	}
}

// ReadPairRecord asks the daemon for the pair record it holds for udid.
// Returns NotPaired if none exists.
func (c *Client) ReadPairRecord(udid string) (PairRecord, error) {
	reply, err := c.request("ReadPairRecord", plistio.Dict{"PairRecordID": udid}, false)
	if err != nil {
		return PairRecord{}, err
	}

	data, err := reply.Bytes("PairRecordData")
	if err != nil {
		return PairRecord{}, ierrors.New(ierrors.NotPaired, "no pair record for %s", udid)
	}

	var wire plistio.Dict
	if err := plistio.Decode(data, &wire); err != nil {
		return PairRecord{}, err
	}
	return decodePairRecord(wire), nil
}

// SavePairRecord asks the daemon to persist record for udid; the daemon
// remains the authoritative store.
func (c *Client) SavePairRecord(udid string, record PairRecord) error {
	data, err := plistio.Encode(encodePairRecord(record))
	if err != nil {
		return err
	}
	reply, err := c.request("SavePairRecord", plistio.Dict{
		"PairRecordID":   udid,
		"PairRecordData": data,
	}, false)
	if err != nil {
		return err
	}
	if number := reply.OptInt("Number", 0); number != 0 {
		return ierrors.New(ierrors.ProtocolViolation, "SavePairRecord failed with Number=%d", number)
	}
	return nil
}

// Subscribe sends Listen and routes subsequent async events to onEvent
// until Unsubscribe (the returned func) is called. onErr, if non-nil, is
// called once when the client closes, whether because the transport was
// lost or because Close or the returned func was called.
func (c *Client) Subscribe(onEvent func(Event), onErr func(error)) (unsubscribe func(), err error) {
	c.subMu.Lock()
	c.onEvent = onEvent
	c.onSubsError = onErr
	c.subMu.Unlock()

	if _, err := c.request("Listen", nil, false); err != nil {
		return nil, err
	}

	return func() {
		c.Close()
	}, nil
}

// IsDeviceConnected reports whether udid currently appears in the
// daemon's device list.
func (c *Client) IsDeviceConnected(udid string) (bool, error) {
	devices, err := c.ListDevices()
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.Serial == udid {
			return true, nil
		}
	}
	return false, nil
}

func htons(port uint16) uint16 {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return binary.LittleEndian.Uint16(buf)
}

func decodePairRecord(d plistio.Dict) PairRecord {
	rec := PairRecord{
		HostID:         d.OptString("HostID", ""),
		SystemBUID:     d.OptString("SystemBUID", ""),
		WifiMacAddress: d.OptString("WiFiMACAddress", ""),
	}
	rec.HostCertificate, _ = d.Bytes("HostCertificate")
	rec.HostPrivateKey, _ = d.Bytes("HostPrivateKey")
	rec.DeviceCertificate, _ = d.Bytes("DeviceCertificate")
	rec.RootCertificate, _ = d.Bytes("RootCertificate")
	rec.EscrowBag, _ = d.Bytes("EscrowBag")
	return rec
}

func encodePairRecord(rec PairRecord) plistio.Dict {
	d := plistio.Dict{
		"HostID":            rec.HostID,
		"SystemBUID":        rec.SystemBUID,
		"HostCertificate":   rec.HostCertificate,
		"HostPrivateKey":    rec.HostPrivateKey,
		"DeviceCertificate": rec.DeviceCertificate,
		"RootCertificate":   rec.RootCertificate,
	}
	if rec.EscrowBag != nil {
		d["EscrowBag"] = rec.EscrowBag
	}
	if rec.WifiMacAddress != "" {
		d["WiFiMACAddress"] = rec.WifiMacAddress
	}
	return d
}

// ParseNetworkAddress decodes the raw sockaddr bytes usbmuxd returns for a
// Network-connected device's Properties.NetworkAddress.
func ParseNetworkAddress(raw []byte) net.IP {
	off := 1
	if runtime.GOOS == "windows" {
		off = 0
	}
	if len(raw) <= off {
		return nil
	}
	family := raw[off]
	switch {
	case family == 2: // AF_INET
		if len(raw) < 8 {
			return nil
		}
		ip := make(net.IP, 4)
		copy(ip, raw[4:8])
		return ip
	case family == 10 || family == 23 || family == 30: // AF_INET6 (linux, windows, darwin/bsd)
		if len(raw) < 24 {
			return nil
		}
		ip := make(net.IP, 16)
		copy(ip, raw[8:24])
		return ip
	default:
		return nil
	}
}
