package unit

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/decodepool/pkg/types"
)

func startProcess(t *testing.T, grace time.Duration, name string, args ...string) *processConn {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}

	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout, clock: types.NewRealClock(), grace: grace}
}

func TestProcessConn_CloseWaitsForExit(t *testing.T) {
	c := startProcess(t, 5*time.Second, "cat")

	require.NoError(t, c.Close())
	assert.True(t, c.cmd.ProcessState.Exited())
}

func TestProcessConn_CloseKillsAfterGrace(t *testing.T) {
	c := startProcess(t, 50*time.Millisecond, "sleep", "30")

	start := time.Now()
	err := c.Close()
	assert.ErrorContains(t, err, "did not exit within 50ms")
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotNil(t, c.cmd.ProcessState)
	assert.False(t, c.cmd.ProcessState.Success())
}
