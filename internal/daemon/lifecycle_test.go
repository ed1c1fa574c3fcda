package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d, _ := createTestDaemon(t, "ok")

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(d.GetConfig().DataDir, "clawloop.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, "ok")
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	assert.NoFileExists(t, lm.pidFile)
	assert.NoError(t, lm.Stop(), "stopping twice is fine")
}

func TestLifecycleManager_RefusesLiveOwner(t *testing.T) {
	d, _ := createTestDaemon(t, "ok")
	lm := NewLifecycleManager(d)

	// the parent of the test binary is alive for the whole test
	ppid := os.Getppid()
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(ppid)), 0o644))

	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, lm.Stop())
	assert.FileExists(t, lm.pidFile, "a foreign PID file is left alone")
}

func TestLifecycleManager_ReplacesStalePID(t *testing.T) {
	d, _ := createTestDaemon(t, "ok")
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0o644))
	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	require.NoError(t, lm.Stop())
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
