// Package ierrors implements the error taxonomy shared by mux, lockdown,
// servicelink, afc and backup. It reimplements the call-site shape of
// goadb/util's Errorf/HasErrCode pair, since that package isn't available
// to import here.
package ierrors

import "fmt"

// Code is a discriminant that callers can switch on instead of parsing
// error text.
type Code int

const (
	Unknown Code = iota
	TransportLost
	ProtocolViolation
	NotLockdown
	NotPaired
	UserDeniedPairing
	PairingDialogPending
	PairingRequiresPassword
	InvalidHostID
	TlsUpgradeFailed
	ServiceStartFailed
	AfcError
	OpWouldBlock
	Deprecated
	DeviceDisconnected
	DeviceLocked
	PolicyDenied
	BackupFileError
	BadDevice
	ConnectionRefused
	BadVersion
)

func (c Code) String() string {
	switch c {
	case TransportLost:
		return "TransportLost"
	case ProtocolViolation:
		return "ProtocolViolation"
	case NotLockdown:
		return "NotLockdown"
	case NotPaired:
		return "NotPaired"
	case UserDeniedPairing:
		return "UserDeniedPairing"
	case PairingDialogPending:
		return "PairingDialogPending"
	case PairingRequiresPassword:
		return "PairingRequiresPassword"
	case InvalidHostID:
		return "InvalidHostID"
	case TlsUpgradeFailed:
		return "TlsUpgradeFailed"
	case ServiceStartFailed:
		return "ServiceStartFailed"
	case AfcError:
		return "AfcError"
	case OpWouldBlock:
		return "OpWouldBlock"
	case Deprecated:
		return "Deprecated"
	case DeviceDisconnected:
		return "DeviceDisconnected"
	case DeviceLocked:
		return "DeviceLocked"
	case PolicyDenied:
		return "PolicyDenied"
	case BackupFileError:
		return "BackupFileError"
	case BadDevice:
		return "BadDevice"
	case ConnectionRefused:
		return "ConnectionRefused"
	case BadVersion:
		return "BadVersion"
	default:
		return "Unknown"
	}
}

// Error is a Code plus a formatted message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for code, formatting msg/args with fmt.Sprintf.
func New(code Code, msg string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// Wrap builds an *Error for code that chains cause.
func Wrap(code Code, cause error, msg string, args ...interface{}) error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) is an *Error with the given code.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the Code of err if it is (or wraps) an *Error, else Unknown.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Unknown
		}
		err = u.Unwrap()
	}
	return Unknown
}
