package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestWriteInfoPlistAssemblesExpectedFields(t *testing.T) {
	root := t.TempDir()
	udid := "abc123def456"

	info := DeviceInfo{
		BuildVersion:   "20A362",
		DeviceName:     "My iPhone",
		ProductType:    "iPhone14,2",
		ProductVersion: "16.0",
		SerialNumber:   "SERIAL01",
		Applications: []AppInfo{
			{BundleID: "com.example.app", ITunesMetadata: []byte("meta")},
		},
		ITunesFiles: map[string][]byte{
			"iTunesPrefs":  []byte("prefs"),
			"UnknownEntry": []byte("ignored"),
		},
	}

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, WriteInfoPlist(root, udid, info, now))

	data, err := os.ReadFile(filepath.Join(root, udid, "Info.plist"))
	require.NoError(t, err)

	var dict map[string]interface{}
	_, err = plist.Unmarshal(data, &dict)
	require.NoError(t, err)

	assert.Equal(t, "20A362", dict["BuildVersion"])
	assert.Equal(t, "My iPhone", dict["DeviceName"])
	assert.Equal(t, strings.ToUpper(udid), dict["Target Identifier"])
	assert.Equal(t, strings.ToUpper(udid), dict["Unique Identifier"])

	apps, ok := dict["Applications"].(map[string]interface{})
	require.True(t, ok)
	_, hasApp := apps["com.example.app"]
	assert.True(t, hasApp)

	installed, ok := dict["Installed Applications"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, installed, "com.example.app")

	itunesFiles, ok := dict["iTunes Files"].(map[string]interface{})
	require.True(t, ok)
	_, hasKnown := itunesFiles["iTunesPrefs"]
	assert.True(t, hasKnown)
	_, hasUnknown := itunesFiles["UnknownEntry"]
	assert.False(t, hasUnknown)
}

func TestWriteInfoPlistOmitsEmptyOptionalFields(t *testing.T) {
	root := t.TempDir()
	udid := "xyz"

	require.NoError(t, WriteInfoPlist(root, udid, DeviceInfo{}, time.Now()))

	data, err := os.ReadFile(filepath.Join(root, udid, "Info.plist"))
	require.NoError(t, err)

	var dict map[string]interface{}
	_, err = plist.Unmarshal(data, &dict)
	require.NoError(t, err)

	_, hasIBooks := dict["iBooks Data 2"]
	assert.False(t, hasIBooks)
	_, hasSettings := dict["iTunes Settings"]
	assert.False(t, hasSettings)
}
