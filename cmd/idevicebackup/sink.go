package main

import (
	"fmt"

	"github.com/MarkFassett/Netimobiledevice/backup"
	"github.com/MarkFassett/Netimobiledevice/lockdown"
	"github.com/sirupsen/logrus"
)

// progressSink prints the pairing handshake states to the log while
// EstablishSession runs.
type progressSink struct {
	log *logrus.Logger
}

func (s progressSink) PairingProgress(state lockdown.PairingState) {
	switch state {
	case lockdown.PairingStateAwaitingUserConsent:
		s.log.Println("waiting for \"Trust This Computer\" on the device...")
	case lockdown.PairingStateRequiresPassword:
		s.log.Println("device requires its passcode to pair")
	case lockdown.PairingStatePaired:
		s.log.Println("paired")
	}
}

// consoleSink reports backup progress on the log; it embeds NoopSink so
// adding a new Sink method never breaks this command.
type consoleSink struct {
	backup.NoopSink
	log *logrus.Logger
}

func (s *consoleSink) Started() {
	s.log.Println("backup started")
}

func (s *consoleSink) Progress(percent float64) {
	s.log.Printf("progress: %.1f%%", percent)
}

func (s *consoleSink) Status(message string) {
	s.log.Println(message)
}

func (s *consoleSink) FileReceived(f backup.BackupFile) {
	s.log.Debugf("received %s", f.DevicePath)
}

func (s *consoleSink) FileTransferError(f backup.BackupFile, err error) bool {
	s.log.Warnf("failed to receive %s: %v", f.DevicePath, err)
	return false
}

func (s *consoleSink) PasscodeRequiredForBackup() {
	s.log.Errorln("device has a passcode set; enter it on the device and retry")
}

func (s *consoleSink) Error(err error) {
	s.log.Errorln(fmt.Sprintf("backup error: %v", err))
}

func (s *consoleSink) Completed(c backup.Completed) {
	switch {
	case c.UserCancelled:
		s.log.Println("backup cancelled")
	case c.DeviceDisconnected:
		s.log.Println("device disconnected")
	case c.Err != nil:
		s.log.Errorln("backup finished with error:", c.Err)
	default:
		s.log.Println("backup completed successfully")
	}
	if len(c.FailedFiles) > 0 {
		s.log.Warnf("%d file(s) failed to transfer", len(c.FailedFiles))
	}
}
