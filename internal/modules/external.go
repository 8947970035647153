package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputDelayWindow is the fixed wait after a detached child exits, giving
// it time to finish writing its output files (an exitcode file may appear
// before stdout flushes on some platforms).
const OutputDelayWindow = 100 * time.Millisecond

// FileErrorExitCode is the reserved small positive exit code an external
// module uses to report that it could not write its output files.
const FileErrorExitCode = 9

// externalMetadata is the document an external module prints in response to
// the "metadata" subcommand.
type externalMetadata struct {
	Description   string                    `json:"description"`
	Configuration json.RawMessage           `json:"configuration,omitempty"`
	Actions       []externalActionMetadata  `json:"actions"`
}

type externalActionMetadata struct {
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Results json.RawMessage `json:"results"`
}

// External is a Module backed by an executable on disk.
type External struct {
	path        string
	name        string
	description string
	actions     map[string]*Action
	mu          sync.Mutex
	logger      logrus.FieldLogger
}

// LoadExternal invokes path with argv ["metadata"], parses and validates the
// result, and compiles each declared action's input/results validators.
// Load failures exclude only this module, never the whole registry.
func LoadExternal(path string, logger logrus.FieldLogger) (*External, error) {
	name := filepath.Base(path)

	cmd := exec.Command(path, "metadata")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("module %s: metadata invocation failed: %w (stderr: %s)", name, err, stderr.String())
	}

	var md externalMetadata
	if err := json.Unmarshal(stdout.Bytes(), &md); err != nil {
		return nil, fmt.Errorf("module %s: metadata is not valid JSON: %w", name, err)
	}

	actions := make(map[string]*Action, len(md.Actions))
	for _, a := range md.Actions {
		inputV, err := NewValidator(name+"#"+a.Name+"/input", a.Input)
		if err != nil {
			return nil, fmt.Errorf("module %s action %s: bad input schema: %w", name, a.Name, err)
		}
		resultV, err := NewValidator(name+"#"+a.Name+"/results", a.Results)
		if err != nil {
			return nil, fmt.Errorf("module %s action %s: bad results schema: %w", name, a.Name, err)
		}
		actions[a.Name] = &Action{Name: a.Name, InputValidator: inputV, ResultValidator: resultV}
	}

	return &External{
		path:        path,
		name:        name,
		description: md.Description,
		actions:     actions,
		logger:      logger,
	}, nil
}

func (m *External) Name() string                  { return m.name }
func (m *External) Actions() map[string]*Action    { return m.actions }
func (m *External) SupportsAsync() bool            { return true }
func (m *External) HasAction(name string) bool     { _, ok := m.actions[name]; return ok }

type blockingStdin struct {
	Input         json.RawMessage `json:"input"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// Execute runs action blocking: argv [path, action], stdin
// {input, configuration?}, parse stdout as JSON. The module does not write
// to the spool in this mode.
func (m *External) Execute(action string, params json.RawMessage) (json.RawMessage, error) {
	stdin, err := json.Marshal(blockingStdin{Input: params})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	cmd := exec.CommandContext(ctx, m.path, action)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if stdout.Len() == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("module %s action %s exited with error and no output: %w (stderr: %s)",
				m.name, action, runErr, stderr.String())
		}
		return json.RawMessage("null"), nil
	}

	var probe interface{}
	if err := json.Unmarshal(stdout.Bytes(), &probe); err != nil {
		return nil, fmt.Errorf("module %s action %s produced output that is not valid JSON: %v", m.name, action, err)
	}
	return json.RawMessage(stdout.Bytes()), nil
}

type asyncStdin struct {
	Input         json.RawMessage `json:"input"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	OutputFiles   outputFiles     `json:"output_files"`
}

type outputFiles struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Exitcode string `json:"exitcode"`
}

// ExecuteAsync runs action detached (new process group), invokes onPID as
// soon as the pid is known, waits for the child to exit, then sleeps the
// output-delay window before the caller reads the output files the module
// wrote into resultsDir. If the child exits with FileErrorExitCode, it
// returns a processing error instead of letting the caller read partial
// output.
func (m *External) ExecuteAsync(action string, params json.RawMessage, resultsDir string, onPID func(pid int)) error {
	stdoutPath := filepath.Join(resultsDir, "stdout")
	stderrPath := filepath.Join(resultsDir, "stderr")
	exitcodePath := filepath.Join(resultsDir, "exitcode")

	stdin, err := json.Marshal(asyncStdin{
		Input: params,
		OutputFiles: outputFiles{
			Stdout:   stdoutPath,
			Stderr:   stderrPath,
			Exitcode: exitcodePath,
		},
	})
	if err != nil {
		return err
	}

	return RunDetached(m.path, []string{action, stdoutPath, stderrPath, exitcodePath}, stdin, nil, onPID)
}

// RunDetached starts path (with args and stdin) as a detached child of a new
// session, invokes onPID as soon as the pid is known, waits for it to exit,
// then sleeps the output-delay window. It is shared by the external module
// runner's non-blocking shape and the task runner, which both hand a child
// process the same output-delay/file-error contract (§4.6, §4.7 step 7).
func RunDetached(path string, args []string, stdin []byte, env []string, onPID func(pid int)) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: failed to start: %w", path, err)
	}
	if onPID != nil {
		onPID(cmd.Process.Pid)
	}

	err := cmd.Wait()
	time.Sleep(OutputDelayWindow)

	var exitErr *exec.ExitError
	if err != nil {
		if ok := errorsAsExitError(err, &exitErr); ok && exitErr.ExitCode() == FileErrorExitCode {
			return fmt.Errorf("%s: reported failure writing output files", path)
		}
	}
	return nil
}

// RunCapturingOutput starts path as a detached child of a new session,
// piping its stdout/stderr to stdout/stderr/exitcode files under
// resultsDir itself (a task binary has no output-file convention of its
// own, unlike an external module's non-blocking shape). onPID fires as
// soon as the pid is known; the output-delay window is still honored after
// the child exits for parity with the external-module path.
func RunCapturingOutput(path string, args []string, stdin []byte, env []string, resultsDir string, onPID func(pid int)) error {
	stdoutFile, err := os.Create(filepath.Join(resultsDir, "stdout"))
	if err != nil {
		return fmt.Errorf("%s: failed to create stdout file: %w", path, err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(filepath.Join(resultsDir, "stderr"))
	if err != nil {
		return fmt.Errorf("%s: failed to create stderr file: %w", path, err)
	}
	defer stderrFile.Close()

	cmd := exec.Command(path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: failed to start: %w", path, err)
	}
	if onPID != nil {
		onPID(cmd.Process.Pid)
	}

	runErr := cmd.Wait()
	time.Sleep(OutputDelayWindow)

	exitCode := 0
	var exitErr *exec.ExitError
	if runErr != nil {
		if errorsAsExitError(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return os.WriteFile(filepath.Join(resultsDir, "exitcode"), []byte(fmt.Sprintf("%d", exitCode)), 0640)
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}
