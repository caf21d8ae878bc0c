package backup

import "github.com/MarkFassett/Netimobiledevice/servicelink"

// notifier posts one-way notifications to com.apple.mobile.notification_proxy,
// the minimal slice of that service the lock-acquire sequence needs. The
// rest of that service's surface (observing device-originated
// notifications) is out of scope.
type notifier struct {
	conn *servicelink.ServiceConnection
}

func newNotifier(conn *servicelink.ServiceConnection) *notifier {
	return &notifier{conn: conn}
}

func (n *notifier) post(name string) error {
	return n.conn.SendPlist(map[string]interface{}{
		"Command": "PostNotification",
		"Name":    name,
	})
}

// Notification names the lock-acquire sequence posts.
const (
	notifySyncWillStart   = "com.apple.itunes-client.syncWillStart"
	notifySyncLockRequest = "com.apple.itunes-mobdev.syncLockRequest"
	notifySyncDidStart    = "com.apple.itunes-client.syncDidStart"
	notifySyncDidFinish   = "com.apple.itunes-client.syncDidFinish"
)
