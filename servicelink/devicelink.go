package servicelink

import (
	"net"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
)

// DeviceLink message tags.
const (
	MsgVersionExchange     = "DLMessageVersionExchange"
	MsgDeviceReady         = "DLMessageDeviceReady"
	MsgProcessMessage      = "DLMessageProcessMessage"
	MsgDisconnect          = "DLMessageDisconnect"
	MsgDownloadFiles       = "DLMessageDownloadFiles"
	MsgUploadFiles         = "DLMessageUploadFiles"
	MsgGetFreeDiskSpace    = "DLMessageGetFreeDiskSpace"
	MsgContentsOfDirectory = "DLMessageContentsOfDirectory"
	MsgCreateDirectory     = "DLMessageCreateDirectory"
	MsgMoveFiles           = "DLMessageMoveFiles"
	MsgMoveItems           = "DLMessageMoveItems"
	MsgRemoveFiles         = "DLMessageRemoveFiles"
	MsgRemoveItems         = "DLMessageRemoveItems"
	MsgCopyItem            = "DLMessageCopyItem"
	MsgStatusResponse      = "DLMessageStatusResponse"
)

// ProtocolVersionMajor is the value Handshake replies with during version
// exchange; ProtocolVersionMinor is not sent.
const (
	ProtocolVersionMajor = 400
	ProtocolVersionMinor = 0
)

// DeviceLink wraps one ServiceConnection and holds no state of its own.
type DeviceLink struct {
	Conn *ServiceConnection
}

// NewDeviceLink wraps conn; callers must call Handshake before exchanging
// any application messages.
func NewDeviceLink(conn *ServiceConnection) *DeviceLink {
	return &DeviceLink{Conn: conn}
}

// Handshake performs the DeviceLink version exchange: wait for
// DLMessageVersionExchange, reply DLVersionsOk, then wait for
// DLMessageDeviceReady. Any other tag is a fatal ProtocolViolation; a
// transport error is returned as Receive or Send reports it.
func (dl *DeviceLink) Handshake() error {
	msg, err := dl.Receive()
	if err != nil {
		return err
	}
	if len(msg) == 0 || tagOf(msg) != MsgVersionExchange {
		return ierrors.New(ierrors.ProtocolViolation, "expected %s, got %v", MsgVersionExchange, tagOf(msg))
	}

	if err := dl.Send([]interface{}{MsgVersionExchange, "DLVersionsOk", int64(ProtocolVersionMajor)}); err != nil {
		return err
	}

	ready, err := dl.Receive()
	if err != nil {
		return err
	}
	if tagOf(ready) != MsgDeviceReady {
		return ierrors.New(ierrors.ProtocolViolation, "expected %s, got %v", MsgDeviceReady, tagOf(ready))
	}
	return nil
}

// Send encodes msg (a DLMessage array, first element the tag string) and
// writes it as one plist frame.
func (dl *DeviceLink) Send(msg []interface{}) error {
	return dl.Conn.SendPlist(msg)
}

// SendStatusResponse is the canned reply most message handlers send:
// [DLMessageStatusResponse, errorCode, extra]. Every handler sends this
// exact shape even for operations where skipping it would otherwise be
// tolerated, so the device never stalls waiting for an ack.
func (dl *DeviceLink) SendStatusResponse(errorCode int64, extra interface{}) error {
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return dl.Send([]interface{}{MsgStatusResponse, errorCode, extra})
}

// Receive reads one DLMessage array.
func (dl *DeviceLink) Receive() ([]interface{}, error) {
	var msg []interface{}
	if err := dl.Conn.ReceivePlist(&msg); err != nil {
		return nil, classifyServiceIOErr(err)
	}
	return msg, nil
}

// IsTimeout reports whether err is the "device not ready, try again"
// transient condition the message loop should simply retry on.
func IsTimeout(err error) bool {
	if ne, ok := errorAsNetError(err); ok {
		return ne.Timeout()
	}
	return false
}

func errorAsNetError(err error) (net.Error, bool) {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			return ne, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func tagOf(msg []interface{}) string {
	if len(msg) == 0 {
		return ""
	}
	s, _ := msg[0].(string)
	return s
}
