// Package lockdown speaks the control-plane protocol over a tunneled
// connection to TCP port 62078: version handshake, pairing, session
// start with optional TLS upgrade, typed value queries, and service
// activation.
package lockdown

import "github.com/MarkFassett/Netimobiledevice/usbmux"

// LockdownPort is the well-known TCP port lockdownd listens on over the
// tunneled connection.
const LockdownPort = 62078

// Session is the state lockdown.Client tracks across one socket's
// lifetime.
type Session struct {
	Paired         bool
	SessionID      string
	SSLEnabled     bool
	ProductType    string
	ProductVersion string
	UDID           string
}

// PairRecordStore is the subset of usbmux.Client (or
// usbmux.CachingPairRecordStore) that pairing needs: read-through lookup
// of an existing record, and persisting a freshly negotiated one.
type PairRecordStore interface {
	ReadPairRecord(udid string) (usbmux.PairRecord, error)
	SavePairRecord(udid string, record usbmux.PairRecord) error
}

// PairingState is reported to a ProgressSink as pairing advances.
type PairingState int

const (
	PairingStateQueryingDevicePublicKey PairingState = iota
	PairingStateAwaitingUserConsent
	PairingStateRequiresPassword
	PairingStateSendingPairRequest
	PairingStatePaired
)

// ProgressSink receives pairing progress notifications. A nil sink is
// valid; callers that don't care about progress just pass nil.
type ProgressSink interface {
	PairingProgress(state PairingState)
}
