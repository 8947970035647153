package modules

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reverseModuleScript is a minimal external module fixture: "metadata"
// prints its self-description, "reverse" (blocking) echoes the reversed
// "msg" input field, and "reverse" with extra argv entries (non-blocking)
// writes stdout/exitcode to the paths argv hands it.
const reverseModuleScript = `#!/bin/sh
set -e
if [ "$1" = "metadata" ]; then
  cat <<'EOF'
{
  "description": "reverses a string",
  "actions": [
    {"name": "reverse", "input": {}, "results": {}}
  ]
}
EOF
  exit 0
fi

if [ "$1" = "reverse" ] && [ -n "$4" ]; then
  # non-blocking shape: argv = [action, stdout_path, stderr_path, exitcode_path]
  stdin=$(cat)
  msg=$(echo "$stdin" | sed -n 's/.*"msg" *: *"\([^"]*\)".*/\1/p')
  rev=$(echo "$msg" | rev)
  echo "{\"reversed\":\"$rev\"}" > "$2"
  : > "$3"
  printf 0 > "$4"
  exit 0
fi

if [ "$1" = "reverse" ]; then
  stdin=$(cat)
  msg=$(echo "$stdin" | sed -n 's/.*"msg" *: *"\([^"]*\)".*/\1/p')
  rev=$(echo "$msg" | rev)
  echo "{\"reversed\":\"$rev\"}"
  exit 0
fi

exit 1
`

func writeReverseModule(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixture is a POSIX shell script")
	}
	path := filepath.Join(t.TempDir(), "reverse")
	require.NoError(t, os.WriteFile(path, []byte(reverseModuleScript), 0755))
	if _, err := exec.LookPath("rev"); err != nil {
		t.Skip("rev(1) not available")
	}
	return path
}

func testFieldLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestLoadExternal(t *testing.T) {
	path := writeReverseModule(t)
	mod, err := LoadExternal(path, testFieldLogger())
	require.NoError(t, err)
	assert.Equal(t, "reverse", mod.Name())
	assert.True(t, mod.HasAction("reverse"))
	assert.True(t, mod.SupportsAsync())
}

func TestExternalExecuteBlocking(t *testing.T) {
	path := writeReverseModule(t)
	mod, err := LoadExternal(path, testFieldLogger())
	require.NoError(t, err)

	out, err := mod.Execute("reverse", json.RawMessage(`{"msg":"hello"}`))
	require.NoError(t, err)

	var parsed struct {
		Reversed string `json:"reversed"`
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "olleh", parsed.Reversed)
}

func TestExternalExecuteAsync(t *testing.T) {
	path := writeReverseModule(t)
	mod, err := LoadExternal(path, testFieldLogger())
	require.NoError(t, err)

	resultsDir := t.TempDir()
	var gotPID int
	err = mod.ExecuteAsync("reverse", json.RawMessage(`{"msg":"hello"}`), resultsDir, func(pid int) {
		gotPID = pid
	})
	require.NoError(t, err)
	assert.Greater(t, gotPID, 0)

	stdout, err := os.ReadFile(filepath.Join(resultsDir, "stdout"))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "olleh")

	exitcode, err := os.ReadFile(filepath.Join(resultsDir, "exitcode"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(exitcode))
}

func TestRunCapturingOutput(t *testing.T) {
	script := filepath.Join(t.TempDir(), "task.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat\necho done-stderr 1>&2\nexit 3\n"), 0755))

	resultsDir := t.TempDir()
	var gotPID int
	err := RunCapturingOutput(script, nil, []byte(`{"hi":"there"}`), nil, resultsDir, func(pid int) {
		gotPID = pid
	})
	require.NoError(t, err)
	assert.Greater(t, gotPID, 0)

	stdout, err := os.ReadFile(filepath.Join(resultsDir, "stdout"))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "there")

	stderr, err := os.ReadFile(filepath.Join(resultsDir, "stderr"))
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "done-stderr")

	exitcode, err := os.ReadFile(filepath.Join(resultsDir, "exitcode"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(exitcode))
}

func TestRunDetachedFileErrorExitCode(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 9\n"), 0755))

	start := time.Now()
	err := RunDetached(script, nil, nil, nil, nil)
	assert.GreaterOrEqual(t, time.Since(start), OutputDelayWindow)
	assert.Error(t, err)
}
