package backup

import (
	"github.com/MarkFassett/Netimobiledevice/internal/util"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
)

// MultiplexerSubscriber is the slice of *usbmux.Client a DeviceBackup needs
// to learn that the device it's backing up has disappeared from the
// multiplexer, independently of a TransportLost error surfacing from the
// service connection's own socket reads.
type MultiplexerSubscriber interface {
	Subscribe(onEvent func(usbmux.Event), onErr func(error)) (unsubscribe func(), err error)
	IsDeviceConnected(udid string) (bool, error)
}

// watchDevice subscribes to mux's device events and calls onGone at most
// once: immediately if IsDeviceConnected reports udid absent at the start,
// otherwise the first time udid is reported Detached. mux may be nil, in which
// case watching is skipped and the caller falls back to detecting
// disconnection from a TransportLost read error alone. The returned func
// stops watching; it is always safe to call, even after mux was nil or
// Subscribe failed.
func watchDevice(mux MultiplexerSubscriber, udid string, onGone func()) (stop func()) {
	if mux == nil {
		return func() {}
	}

	if connected, err := mux.IsDeviceConnected(udid); err == nil && !connected {
		onGone()
		return func() {}
	}

	var fired util.AtomicBool
	unsubscribe, err := mux.Subscribe(func(ev usbmux.Event) {
		if ev.Kind != usbmux.Detached || ev.Device.Serial != udid {
			return
		}
		if fired.CompareAndSwap(false, true) {
			onGone()
		}
	}, nil)
	if err != nil {
		return func() {}
	}
	return unsubscribe
}
