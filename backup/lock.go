package backup

import (
	"time"

	"github.com/MarkFassett/Netimobiledevice/afc"
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/internal/util"
)

const lockSyncPath = "/com.apple.itunes.lock_sync"

// LockMaxAttempts and LockRetryInterval bound the AFC lock-acquire retry
// loop.
const (
	LockMaxAttempts   = 50
	LockRetryInterval = 200 * time.Millisecond
)

// syncLock's handle is non-zero iff exactly one exclusive AFC lock is
// held, and must reach zero on every exit path.
type syncLock struct {
	afcClient *afc.Client
	notify    *notifier
	handle    uint64
}

// acquire runs the five-step sync-lock sequence: announce sync start,
// open the lock file, announce the lock request, retry-acquire the
// exclusive AFC lock, then announce sync started. clock lets tests drive
// the retry loop without real sleeps.
func acquire(afcClient *afc.Client, notify *notifier, clock util.Clock) (*syncLock, error) {
	if clock == nil {
		clock = util.SystemClock
	}

	if err := notify.post(notifySyncWillStart); err != nil {
		return nil, err
	}

	handle, err := afcClient.Open(lockSyncPath, afc.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	l := &syncLock{afcClient: afcClient, notify: notify, handle: handle}

	if err := notify.post(notifySyncLockRequest); err != nil {
		afcClient.Close(handle)
		l.handle = 0
		return nil, err
	}

	var lockErr error
	for attempt := 0; attempt < LockMaxAttempts; attempt++ {
		lockErr = afcClient.Lock(handle, afc.LockExclusive)
		if lockErr == nil {
			if err := notify.post(notifySyncDidStart); err != nil {
				afcClient.Close(handle)
				l.handle = 0
				return nil, err
			}
			return l, nil
		}
		if ierrors.CodeOf(lockErr) != ierrors.OpWouldBlock {
			afcClient.Close(handle)
			l.handle = 0
			return nil, lockErr
		}
		clock.Sleep(LockRetryInterval)
	}

	afcClient.Close(handle)
	l.handle = 0
	return nil, ierrors.Wrap(ierrors.AfcError, lockErr, "could not acquire sync lock after %d attempts", LockMaxAttempts)
}

// release is idempotent: once handle is zero a second call is a no-op.
func (l *syncLock) release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	handle := l.handle
	l.handle = 0
	l.notify.post(notifySyncDidFinish)
	return l.afcClient.Close(handle)
}
