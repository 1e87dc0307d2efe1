package process

import (
	"os"
	"path/filepath"
	"testing"

	"agent-orchestrator/internal/orcerrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.pid")

	require.NoError(t, WritePIDFile(path))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, RemovePIDFile(path))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)

	// Removing twice is fine.
	assert.NoError(t, RemovePIDFile(path))
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	_, err := ReadPIDFile(path)
	assert.Error(t, err)
}

func TestPIDAlive(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-1))

	// Far above any default pid_max.
	assert.False(t, PIDAlive(99999999))
}

func TestSingletonLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.lock")

	first, err := AcquireSingleton(path)
	require.NoError(t, err)

	_, err = AcquireSingleton(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcerrors.ErrRoleAlreadyRunning)

	require.NoError(t, first.Release())

	second, err := AcquireSingleton(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}
