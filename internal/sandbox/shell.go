package sandbox

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Shell joins args into one shell-safe command line.
func Shell(args ...string) string {
	return shellquote.Join(args...)
}

// And chains command lines with &&, skipping empty ones.
func And(lines ...string) string {
	var parts []string
	for _, l := range lines {
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " && ")
}

// InDir prefixes script with a cd into dir.
func InDir(dir, script string) string {
	return And(Shell("cd", dir), script)
}

// Detached wraps script so it keeps running after the invoking session ends.
// Output goes to logPath.
func Detached(script, logPath string) string {
	return fmt.Sprintf("nohup %s > %s 2>&1 < /dev/null &",
		Shell("bash", "-lc", script), shellquote.Join(logPath))
}

// RecordPID writes the invoking shell's pid to pidFile, then replaces the shell
// with script so the recorded pid is the process script starts.
func RecordPID(pidFile, script string) string {
	return "echo $$ > " + shellquote.Join(pidFile) + " && exec " + script
}

// Terminate sends SIGTERM to the process recorded in pidFile and to its
// children. It exits zero when nothing is recorded.
func Terminate(pidFile string) string {
	return fmt.Sprintf(`if [ -f %[1]s ]; then pid=$(cat %[1]s); rm -f %[1]s; pkill -TERM -P "$pid"; kill -TERM "$pid"; fi; true`,
		shellquote.Join(pidFile))
}

// writeFileScript reads file contents from stdin.
func writeFileScript(p string, mode os.FileMode) string {
	return And(
		Shell("mkdir", "-p", path.Dir(p)),
		Shell("sh", "-c", `cat > "$0"`, p),
		Shell("chmod", fmt.Sprintf("%o", mode.Perm()), p),
	)
}

func readFileScript(p string) string {
	return Shell("cat", p)
}

func existsScript(p string) string {
	return Shell("test", "-e", p)
}

// envList renders env as KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
