package sandboxtest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeloly/sandboxd/internal/sandbox"
)

func TestTerminateStopsRecordedProcess(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash is not installed")
	}
	ctx := context.Background()
	h := NewLocalHandle("local")
	pidFile := filepath.Join(t.TempDir(), "agent.pid")

	require.NoError(t, h.Start(ctx, sandbox.Command{Script: sandbox.RecordPID(pidFile, "sleep 30")}))
	var pid string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		pid = strings.TrimSpace(string(data))
		return err == nil && pid != ""
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.Run(ctx, sandbox.Command{Script: sandbox.Terminate(pidFile)})
	require.NoError(t, err)
	assert.NoFileExists(t, pidFile)

	assert.Eventually(t, func() bool {
		_, err := h.Run(ctx, sandbox.Command{Script: "kill -0 " + pid})
		return sandbox.ExitCode(err) > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.Run(ctx, sandbox.Command{Script: sandbox.Terminate(pidFile)})
	assert.NoError(t, err, "nothing recorded is not an error")
}

func TestLocalHandleReportsExitCode(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash is not installed")
	}
	h := NewLocalHandle("local")

	res, err := h.Run(context.Background(), sandbox.Command{Script: "echo out; echo err >&2; exit 3", Env: map[string]string{"X": "1"}})
	var ce *sandbox.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.ExitCode)
	assert.Equal(t, "err\n", ce.Stderr)
	assert.Equal(t, "out\n", res.Stdout)
}
