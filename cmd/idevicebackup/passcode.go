package main

import (
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/lockdown"
)

// lockdownPasscodeChecker answers backup.PasscodeChecker against the
// device's MobileGestalt-backed lockdown value. A Deprecated reply (newer
// firmware that no longer answers this query directly) is treated
// conservatively as "a passcode is set" rather than risking a backup that
// quietly skips keychain data.
type lockdownPasscodeChecker struct {
	client *lockdown.Client
}

func (c *lockdownPasscodeChecker) PasswordConfigured() (bool, error) {
	v, err := c.client.GetValue("com.apple.mobile.lockdown", "PasswordConfigured")
	if err != nil {
		if ierrors.CodeOf(err) == ierrors.Deprecated {
			return true, nil
		}
		return false, err
	}
	configured, _ := v.(bool)
	return configured, nil
}
