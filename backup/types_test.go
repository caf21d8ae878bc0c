package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotStateForwardOnly(t *testing.T) {
	assert.True(t, SnapshotModeling.CanTransitionTo(SnapshotMetadata))
	assert.True(t, SnapshotMetadata.CanTransitionTo(SnapshotRunning))
	assert.False(t, SnapshotRunning.CanTransitionTo(SnapshotModeling))
	assert.False(t, SnapshotFinished.CanTransitionTo(SnapshotMetadata))
}

func TestSnapshotStateCanReenterWaiting(t *testing.T) {
	assert.True(t, SnapshotRunning.CanTransitionTo(SnapshotWaiting))
	assert.True(t, SnapshotFinished.CanTransitionTo(SnapshotWaiting))
}
