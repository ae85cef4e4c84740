package rttvar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowRecorderFormat(t *testing.T) {
	dir := t.TempDir()
	fr := CreateFlowRecorder(dir)

	require.NoError(t, fr.Record(RoleSent, milliseconds(0.0015), 4, 1440))
	require.NoError(t, fr.Record(RoleSent, milliseconds(2.25), 5, 1440))
	require.NoError(t, fr.Record(RoleReceived, 3, 4, 1440))
	require.NoError(t, fr.Close())

	sent, err := os.ReadFile(filepath.Join(dir, "sent_ms.dat"))
	require.NoError(t, err)
	assert.Equal(t, "[1] SourceIDTag: 4, size: 1440\n[2250] SourceIDTag: 5, size: 1440\n", string(sent))

	received, err := os.ReadFile(fr.LogPath(RoleReceived))
	require.NoError(t, err)
	assert.Equal(t, "[3] SourceIDTag: 4, size: 1440\n", string(received))
}

func TestFlowRecorderAppendsAndRemoves(t *testing.T) {
	dir := t.TempDir()

	first := CreateFlowRecorder(dir)
	require.NoError(t, first.Record(RoleSent, 1, 0, 10))
	require.NoError(t, first.Close())

	second := CreateFlowRecorder(dir)
	require.NoError(t, second.Record(RoleSent, 2, 0, 10))
	require.NoError(t, second.Close())

	sent, err := os.ReadFile(second.LogPath(RoleSent))
	require.NoError(t, err)
	assert.Equal(t, "[1] SourceIDTag: 0, size: 10\n[2] SourceIDTag: 0, size: 10\n", string(sent))

	require.NoError(t, second.RemoveLogs())
	_, err = os.Stat(second.LogPath(RoleSent))
	assert.True(t, os.IsNotExist(err))

	// nothing left to remove is not an error
	require.NoError(t, second.RemoveLogs())
}

func TestFlowRecorderMissingDirectory(t *testing.T) {
	fr := CreateFlowRecorder(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, fr.Record(RoleSent, 0, 0, 10))
	assert.NoError(t, fr.Close())
}
