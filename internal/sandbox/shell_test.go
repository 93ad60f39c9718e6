package sandbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuotesUnsafeInput(t *testing.T) {
	assert.Equal(t, "git clone /tmp/p1.bundle '/home/user/my app'",
		Shell("git", "clone", "/tmp/p1.bundle", "/home/user/my app"))
	assert.Equal(t, `echo 'a;rm -rf /'`, Shell("echo", "a;rm -rf /"))
}

func TestAndSkipsEmpty(t *testing.T) {
	assert.Equal(t, "a && b", And("a", "", "b"))
	assert.Equal(t, "cd /x && ls", InDir("/x", "ls"))
}

func TestDetached(t *testing.T) {
	assert.Equal(t, "nohup bash -lc 'bun run dev' > /tmp/serve.log 2>&1 < /dev/null &",
		Detached("bun run dev", "/tmp/serve.log"))
}

func TestRecordPIDAndTerminate(t *testing.T) {
	assert.Equal(t, "echo $$ > /tmp/agent-p1.pid && exec bun run start",
		RecordPID("/tmp/agent-p1.pid", "bun run start"))
	assert.Equal(t,
		`if [ -f /tmp/agent-p1.pid ]; then pid=$(cat /tmp/agent-p1.pid); rm -f /tmp/agent-p1.pid; pkill -TERM -P "$pid"; kill -TERM "$pid"; fi; true`,
		Terminate("/tmp/agent-p1.pid"))
}

func TestWriteFileScript(t *testing.T) {
	assert.Equal(t,
		`mkdir -p /root && sh -c 'cat > "$0"' /root/.passwd-s3fs && chmod 600 /root/.passwd-s3fs`,
		writeFileScript("/root/.passwd-s3fs", 0o600))
}

func TestEnvListIsSorted(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
}

type exitErr struct{ code int }

func (e exitErr) Error() string { return "exit" }
func (e exitErr) ExitCode() int { return e.code }

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, ExitCode(&CommandError{ExitCode: 3}))
	assert.Equal(t, 7, ExitCode(fmt.Errorf("wrapped: %w", exitErr{code: 7})))
	assert.Equal(t, -1, ExitCode(errors.New("plain")))
}
