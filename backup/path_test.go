package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLocalPathInsideRoot(t *testing.T) {
	p, err := resolveLocalPath("/backups/udid", "ab/cdefgh")
	require.NoError(t, err)
	assert.Equal(t, "/backups/udid/ab/cdefgh", p)
}

func TestResolveLocalPathRejectsDotDot(t *testing.T) {
	_, err := resolveLocalPath("/backups/udid", "../../etc/passwd")
	assert.Error(t, err)
}

func TestResolveLocalPathRejectsEmpty(t *testing.T) {
	_, err := resolveLocalPath("/backups/udid", "")
	assert.Error(t, err)
}

func TestResolveLocalPathKeepsAbsolutePathInsideRoot(t *testing.T) {
	p, err := resolveLocalPath("/backups/udid", "/etc/passwd")
	// filepath.Join treats an absolute second argument as relative; the
	// result must still land inside root.
	require.NoError(t, err)
	assert.Equal(t, "/backups/udid/etc/passwd", p)
}
