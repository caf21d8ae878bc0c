package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkFassett/Netimobiledevice/afc"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/internal/oplog"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
	"github.com/MarkFassett/Netimobiledevice/servicelink"
	"github.com/sirupsen/logrus"
)

// PasscodeChecker answers the MobileGestalt passcode-prerequisite query
// run before a backup starts. Implemented by a small lockdown-backed
// adapter the caller supplies; kept as an interface here so backup
// doesn't need to import lockdown directly.
type PasscodeChecker interface {
	// PasswordConfigured reports whether the device has a passcode set.
	// Run treats any error returned here as fatal, so an implementation
	// that wants a Deprecated reply read as true translates it itself.
	PasswordConfigured() (bool, error)
}

// DeviceBackup drives exactly one backup session end to end; exactly one
// session is active per DeviceBackup instance.
type DeviceBackup struct {
	opts   Options
	sink   Sink
	log    *logrus.Logger
	clock  util.Clock

	link     *servicelink.DeviceLink
	afcConn  *afc.Client
	notify   *notifier
	passcode PasscodeChecker
	mux      MultiplexerSubscriber

	lock *syncLock

	deviceInfo       DeviceInfo
	infoPlistWritten bool

	state         SnapshotState
	failedFiles   []BackupFile
	userCancelled util.AtomicBool
	deviceGone    util.AtomicBool
}

// New builds a DeviceBackup ready to Run. backupConn must already be the
// mobilebackup2 service connection after lockdown StartService; notifyConn
// the notification-proxy connection; afcConn the AFC service connection
// used for the sync lock file. passcode may be nil to skip the
// prerequisite check. mux, if non-nil, is watched via Subscribe for the
// device going away; nil disables that and leaves disconnection detection
// to TransportLost errors from the service connections themselves.
// deviceInfo supplies the identity values Info.plist needs; it is written
// to disk after the first message the device sends successfully completes.
func New(opts Options, backupConn, notifyConn *servicelink.ServiceConnection, afcConn *afc.Client, passcode PasscodeChecker, mux MultiplexerSubscriber, deviceInfo DeviceInfo, sink Sink, log *logrus.Logger) *DeviceBackup {
	if sink == nil {
		sink = NoopSink{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DeviceBackup{
		opts:       opts,
		sink:       sink,
		log:        log,
		clock:      util.SystemClock,
		link:       servicelink.NewDeviceLink(backupConn),
		afcConn:    afcConn,
		notify:     newNotifier(notifyConn),
		passcode:   passcode,
		mux:        mux,
		deviceInfo: deviceInfo,
		state:      SnapshotUninitialized,
	}
}

// Run executes the full backup sequence: DeviceLink handshake, lock
// acquisition, passcode check, Backup request, and the message dispatch
// loop, until termination. It always raises exactly one
// Completed event before returning, even on error.
func (b *DeviceBackup) Run(ctx context.Context) (err error) {
	entry := oplog.Start(b.log, "Backup.Run", b.opts.UDID)
	defer func() { entry.Error(err); entry.Finish() }()

	b.sink.Started()
	defer b.finish(&err)

	stopWatch := watchDevice(b.mux, b.opts.UDID, func() { b.deviceGone.Set(true) })
	defer stopWatch()

	if err := os.MkdirAll(filepath.Join(b.opts.BackupRoot, b.opts.UDID), 0o755); err != nil {
		return ierrors.Wrap(ierrors.BackupFileError, err, "create backup root")
	}

	if err := b.link.Handshake(); err != nil {
		return err
	}

	b.lock, err = acquire(b.afcConn, b.notify, b.clock)
	if err != nil {
		return err
	}

	if b.passcode != nil && needsPasscodePrerequisiteCheck(b.deviceInfo.ProductVersion) {
		required, perr := b.passcode.PasswordConfigured()
		if perr != nil {
			return perr
		}
		if required {
			b.sink.PasscodeRequiredForBackup()
			return ierrors.New(ierrors.PolicyDenied, "device requires a passcode before backup can proceed")
		}
	}

	if err := b.sendBackupRequest(); err != nil {
		return err
	}
	b.transition(SnapshotWaiting)

	return b.messageLoop(ctx)
}

func (b *DeviceBackup) sendBackupRequest() error {
	msg := map[string]interface{}{
		"MessageName":      "Backup",
		"TargetIdentifier": b.opts.UDID,
		"SourceIdentifier": b.opts.UDID,
		"Options": map[string]interface{}{
			"ForceFullBackup": b.opts.ForceFullBackup,
		},
	}
	return b.link.Send([]interface{}{servicelink.MsgProcessMessage, msg})
}

func (b *DeviceBackup) transition(next SnapshotState) {
	if !b.state.CanTransitionTo(next) {
		b.log.Warnf("backup: dropping illegal snapshot transition %s -> %s", b.state, next)
		return
	}
	b.state = next
}

// finish releases the lock (idempotent) and raises Completed exactly
// once. A TransportLost *err marks the device as gone; when the device is
// gone or the user cancelled, no Error event is raised and Completed
// carries the error alongside the corresponding flag.
func (b *DeviceBackup) finish(errp *error) {
	if b.lock != nil {
		if relErr := b.lock.release(); relErr != nil {
			b.log.WithError(relErr).Warn("backup: error releasing sync lock")
		}
	}

	err := *errp
	if err != nil && ierrors.CodeOf(err) == ierrors.TransportLost {
		b.deviceGone.Set(true)
	}
	if err != nil && !b.userCancelled.Value() && !b.deviceGone.Value() {
		b.sink.Error(err)
	}

	b.sink.Completed(Completed{
		FailedFiles:        b.failedFiles,
		UserCancelled:      b.userCancelled.Value(),
		DeviceDisconnected: b.deviceGone.Value(),
		Err:                err,
	})
}

// Stop requests cooperative cancellation; it takes effect at the next
// checkpoint between messages. Safe to call from a goroutine other than
// the one running Run, such as a signal handler.
func (b *DeviceBackup) Stop() {
	b.userCancelled.Set(true)
}

func (b *DeviceBackup) localPath(relative string) (string, error) {
	root := filepath.Join(b.opts.BackupRoot, b.opts.UDID)
	return resolveLocalPath(root, strings.TrimPrefix(relative, "/"))
}
