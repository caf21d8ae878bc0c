package backup

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/plistio"
	"github.com/google/uuid"
)

// AppInfo is one entry in Info.plist's Applications dictionary.
type AppInfo struct {
	BundleID        string
	SINF            []byte
	ITunesMetadata  []byte
	PlaceholderIcon []byte
}

// DeviceInfo carries the lockdown-sourced identity values Info.plist
// needs. Empty string fields are written as empty strings; nil
// IBooksData2 and ITunesSettings are omitted, and an empty
// MinITunesVersion falls back to "10.0.1".
type DeviceInfo struct {
	BuildVersion     string
	DeviceName       string
	ICCID            string
	IMEI             string
	MEID             string
	PhoneNumber      string
	ProductType      string
	ProductVersion   string
	SerialNumber     string
	MinITunesVersion string

	Applications         []AppInfo
	ITunesFiles          map[string][]byte
	IBooksData2          []byte
	ITunesSettings       map[string]interface{}
}

// knownITunesFiles is the fixed list of names fetched from
// /iTunes_Control/iTunes/. Only names present in info.ITunesFiles are
// included; the rest are simply absent.
var knownITunesFiles = []string{
	"ApertureAlbumPrefs",
	"IC-Info.sidb",
	"IC-Info.sidv",
	"PhotosFolderAlbums",
	"PhotosFolderName",
	"VoiceMemos.plist",
	"iTunesApplicationIDs.plist",
	"iTunesPrefs",
}

// WriteInfoPlist assembles and writes Info.plist under
// backupRoot/udid/Info.plist, creating backupRoot/udid if it is missing.
func WriteInfoPlist(backupRoot, udid string, info DeviceInfo, now time.Time) error {
	upperUDID := strings.ToUpper(udid)

	apps := map[string]interface{}{}
	var installed []interface{}
	for _, app := range info.Applications {
		entry := map[string]interface{}{}
		if app.SINF != nil {
			entry["ApplicationSINF"] = app.SINF
		}
		if app.ITunesMetadata != nil {
			entry["iTunesMetadata"] = app.ITunesMetadata
		}
		if app.PlaceholderIcon != nil {
			entry["PlaceholderIcon"] = app.PlaceholderIcon
		}
		apps[app.BundleID] = entry
		installed = append(installed, app.BundleID)
	}

	itunesFiles := map[string]interface{}{}
	for _, name := range knownITunesFiles {
		if data, ok := info.ITunesFiles[name]; ok {
			itunesFiles[name] = data
		}
	}

	itunesVersion := info.MinITunesVersion
	if itunesVersion == "" {
		itunesVersion = "10.0.1"
	}

	dict := plistio.Dict{
		"Applications":           apps,
		"Installed Applications": installed,
		"BuildVersion":           info.BuildVersion,
		"DeviceName":             info.DeviceName,
		"Display Name":           info.DeviceName,
		"GUID":                   strings.ToUpper(uuid.NewString()),
		"ICCID":                  info.ICCID,
		"IMEI":                   info.IMEI,
		"MEID":                   info.MEID,
		"Phone Number":           info.PhoneNumber,
		"Product Type":           info.ProductType,
		"Product Version":        info.ProductVersion,
		"Serial Number":          info.SerialNumber,
		"Target Identifier":      upperUDID,
		"Target Type":            "Device",
		"Unique Identifier":      upperUDID,
		"Last Backup Date":       now,
		"iTunes Files":           itunesFiles,
		"iTunes Version":         itunesVersion,
	}
	if info.IBooksData2 != nil {
		dict["iBooks Data 2"] = info.IBooksData2
	}
	if info.ITunesSettings != nil {
		dict["iTunes Settings"] = info.ITunesSettings
	}

	data, err := plistio.Encode(dict)
	if err != nil {
		return err
	}

	dir := filepath.Join(backupRoot, udid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ierrors.Wrap(ierrors.BackupFileError, err, "create %s", dir)
	}
	path := filepath.Join(dir, "Info.plist")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ierrors.Wrap(ierrors.BackupFileError, err, "write Info.plist")
	}
	return nil
}
