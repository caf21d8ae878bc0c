package cli

import "gopkg.in/alecthomas/kingpin.v2"

// IdevicebackupConfig is the flag set for the idevicebackup command.
type IdevicebackupConfig struct {
	BaseConfig

	UDID            string
	BackupRoot      string
	ForceFullBackup bool
}

const (
	UDIDFlag            = "udid"
	BackupRootFlag      = "backup-root"
	ForceFullBackupFlag = "full"
)

func RegisterIdevicebackupFlags(config *IdevicebackupConfig) {
	registerBaseFlags(&config.BaseConfig)

	kingpin.Flag(UDIDFlag,
		"UDID of the device to back up.").
		Short('u').
		Required().
		StringVar(&config.UDID)
	kingpin.Flag(BackupRootFlag,
		"Directory under which backup/<udid> is created.").
		Short('b').
		Required().
		StringVar(&config.BackupRoot)
	kingpin.Flag(ForceFullBackupFlag,
		"Ignore any existing backup and start a fresh full backup.").
		BoolVar(&config.ForceFullBackup)
}

func (c *IdevicebackupConfig) AsArgs() []string {
	return append(c.BaseConfig.AsArgs(),
		formatFlag(UDIDFlag, c.UDID),
		formatFlag(BackupRootFlag, c.BackupRoot),
		formatFlag(ForceFullBackupFlag, c.ForceFullBackup),
	)
}
