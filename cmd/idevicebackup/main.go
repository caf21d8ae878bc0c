/*
Command idevicebackup drives a single mobilebackup2 backup session against
one paired device, reachable over usbmuxd. It exists to prove the library
wires together end to end, not as a full-featured backup client: progress
is reported through the logger and there is no resume/retry UI beyond what the
backup package itself provides.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkFassett/Netimobiledevice/afc"
	"github.com/MarkFassett/Netimobiledevice/backup"
	"github.com/MarkFassett/Netimobiledevice/internal/cli"
	"github.com/MarkFassett/Netimobiledevice/lockdown"
	"github.com/MarkFassett/Netimobiledevice/servicelink"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
	"github.com/google/uuid"
)

const (
	serviceBackup = "com.apple.mobilebackup2"
	serviceNotify = "com.apple.mobile.notification_proxy"
	serviceAfc    = "com.apple.afc"
)

var config cli.IdevicebackupConfig

func main() {
	cli.RegisterIdevicebackupFlags(&config)
	cli.Initialize("idevicebackup", &config.BaseConfig)
	log := cli.Log

	muxClient, err := usbmux.Dial(multiplexerDialer(config.MultiplexerSocket), log)
	if err != nil {
		log.Fatalln("connecting to usbmuxd:", err)
	}
	defer muxClient.Close()

	deviceID, err := resolveDeviceID(muxClient, config.UDID)
	if err != nil {
		log.Fatalln(err)
	}

	lockdownConn, err := muxClient.Connect(deviceID, lockdown.LockdownPort)
	if err != nil {
		log.Fatalln("connecting to lockdownd:", err)
	}
	lockdownClient := lockdown.NewClient(lockdownConn, log)

	pairStore := usbmux.NewCachingPairRecordStore(muxClient, config.PairRecordCacheTtl)
	record, err := lockdownClient.EstablishSession(config.UDID, uuid.NewString(), pairStore, progressSink{log})
	if err != nil {
		log.Fatalln("establishing lockdown session:", err)
	}

	deviceInfo, err := fetchDeviceInfo(lockdownClient, config.UDID)
	if err != nil {
		log.Fatalln("reading device info:", err)
	}

	backupConn, err := dialService(muxClient, lockdownClient, deviceID, record, serviceBackup)
	if err != nil {
		log.Fatalln(err)
	}
	notifyConn, err := dialService(muxClient, lockdownClient, deviceID, record, serviceNotify)
	if err != nil {
		log.Fatalln(err)
	}
	afcServiceConn, err := dialService(muxClient, lockdownClient, deviceID, record, serviceAfc)
	if err != nil {
		log.Fatalln(err)
	}
	afcClient := afc.NewClient(afcServiceConn.Raw())

	opts := backup.Options{
		UDID:            config.UDID,
		BackupRoot:      config.BackupRoot,
		ForceFullBackup: config.ForceFullBackup,
	}
	passcode := &lockdownPasscodeChecker{client: lockdownClient}
	sink := &consoleSink{log: log}

	b := backup.New(opts, backupConn, notifyConn, afcClient, passcode, muxClient, deviceInfo, sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Println("got signal", sig, "- stopping backup...")
		b.Stop()
		cancel()
	}()

	if err := b.Run(ctx); err != nil {
		log.Fatalln("backup failed:", err)
	}
}

// multiplexerDialer uses the platform default transport unless the caller
// overrode the socket path, in which case it's always a UNIX socket: the
// flag exists for custom usbmuxd deployments, not for reaching the
// Windows TCP loopback.
func multiplexerDialer(socket string) usbmux.Dialer {
	if socket == "" || socket == cli.DefaultMultiplexerSocket {
		return usbmux.DefaultDialer{}
	}
	return usbmux.StaticDialer{Network: "unix", Address: socket}
}

func resolveDeviceID(muxClient *usbmux.Client, udid string) (uint32, error) {
	devices, err := muxClient.ListDevices()
	if err != nil {
		return 0, fmt.Errorf("listing devices: %w", err)
	}
	for _, d := range devices {
		if d.Serial == udid {
			return d.DeviceID, nil
		}
	}
	return 0, fmt.Errorf("no attached device with UDID %s", udid)
}

func dialService(muxClient *usbmux.Client, lockdownClient *lockdown.Client, deviceID uint32, record usbmux.PairRecord, name string) (*servicelink.ServiceConnection, error) {
	port, sslEnabled, err := lockdownClient.StartService(name, record.EscrowBag)
	if err != nil {
		return nil, fmt.Errorf("starting service %s: %w", name, err)
	}
	conn, err := muxClient.Connect(deviceID, port)
	if err != nil {
		return nil, fmt.Errorf("connecting to service %s: %w", name, err)
	}
	sc := servicelink.NewServiceConnection(conn, name)
	if sslEnabled {
		if err := sc.UpgradeTLS(record); err != nil {
			return nil, fmt.Errorf("upgrading service %s to TLS: %w", name, err)
		}
	}
	return sc, nil
}

func fetchDeviceInfo(lockdownClient *lockdown.Client, udid string) (backup.DeviceInfo, error) {
	get := func(domain, key string) string {
		v, err := lockdownClient.GetValue(domain, key)
		if err != nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	return backup.DeviceInfo{
		BuildVersion:   get("", "BuildVersion"),
		DeviceName:     get("", "DeviceName"),
		ICCID:          get("", "IntegratedCircuitCardIdentity"),
		IMEI:           get("", "InternationalMobileEquipmentIdentity"),
		MEID:           get("", "MobileEquipmentIdentifier"),
		PhoneNumber:    get("", "PhoneNumber"),
		ProductType:    get("", "ProductType"),
		ProductVersion: get("", "ProductVersion"),
		SerialNumber:   get("", "SerialNumber"),
	}, nil
}
