package infrastructure

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"example.com/backstage/services/headset/config"
	"example.com/backstage/services/headset/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func configWithADB(path string) config.BridgeConfig {
	return config.BridgeConfig{ADBPath: path}
}

func TestWAL_WriteAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal", "events.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	first := core.NewEvent(core.EventHeadsetConnected, "S1")
	second := core.NewEvent(core.EventInstallFailed, "S2")
	second.Message = "Failure [INSTALL_FAILED_INSUFFICIENT_STORAGE]"

	require.NoError(t, wal.Write(first, errors.New("service bus unavailable")))
	require.NoError(t, wal.Write(second, nil))

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].Event.ID)
	assert.Equal(t, "service bus unavailable", entries[0].Reason)
	assert.Equal(t, core.EventInstallFailed, entries[1].Event.Type)
	assert.Equal(t, second.Message, entries[1].Event.Message)
	assert.Empty(t, entries[1].Reason)

	// Appends still land after a read.
	require.NoError(t, wal.Write(core.NewEvent(core.EventTaskFailed, "S3"), nil))
	entries, err = wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestWAL_SkipsCorruptedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	wal, err := NewWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	require.NoError(t, wal.Write(core.NewEvent(core.EventManifestStale, "S1"), nil))

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.EventManifestStale, entries[0].Event.Type)
}

func TestWAL_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	for _, serial := range []string{"S1", "S2", "S3"} {
		require.NoError(t, wal.Write(core.NewEvent(core.EventHeadsetConnected, serial), nil))
	}
	entries, err := wal.ReadAll()
	require.NoError(t, err)

	require.NoError(t, wal.Rewrite(entries[1:2]))

	entries, err = wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "S2", entries[0].Event.Serial)

	require.NoError(t, wal.Rewrite(nil))
	entries, err = wal.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int64(0), wal.Stats()["size"])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
