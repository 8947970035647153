package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/puppetlabs/pxp-agent-sub000/internal/modules"
)

// InputMethod is how task parameters are delivered to the task file.
type InputMethod string

const (
	InputStdin       InputMethod = "stdin"
	InputEnvironment InputMethod = "environment"
	InputPowerShell  InputMethod = "powershell"
)

// FileRef addresses one file by its download uri and content hash.
type FileRef struct {
	URIPath   string            `json:"uri_path"`
	URIParams map[string]string `json:"uri_params,omitempty"`
	SHA256    string            `json:"sha256"`
	Filename  string            `json:"filename"`
	Directory bool              `json:"directory"` // Prepare creates the directory and fetches nothing
}

// Implementation is one candidate file set for a task.
type Implementation struct {
	File         FileRef
	Requirements []string
	InputMethod  InputMethod
	Files        []FileRef // additional library files shipped with this implementation
}

// Request describes a task invocation.
type Request struct {
	Module          string
	Implementations []Implementation
	MetadataFiles   []FileRef // library files declared at the task level
	Features        []string  // per-request features, added to the agent's static set
	Params          json.RawMessage
}

// Runner is the TaskRunner.
type Runner struct {
	cache          *Cache
	spoolDir       string
	masters        []string
	staticFeatures map[string]struct{}

	// PowerShellShim is the bundled shim script invoked as argv[0] for
	// input_method "powershell", with the task file as its argument
	// (§4.7 step 6). Empty means no shim is configured; Prepare fails for
	// powershell tasks in that case rather than silently running the
	// task file directly, which would skip the interpreter shim.
	PowerShellShim string
}

// NewRunner builds a Runner backed by cache, using spoolDir for ephemeral
// install directories and masters as the ordered download source list.
func NewRunner(cache *Cache, spoolDir string, masters []string, staticFeatures []string) *Runner {
	set := make(map[string]struct{}, len(staticFeatures))
	for _, f := range staticFeatures {
		set[f] = struct{}{}
	}
	return &Runner{cache: cache, spoolDir: spoolDir, masters: masters, staticFeatures: set}
}

// SelectImplementation chooses the first implementation whose Requirements
// are a subset of the agent's static features plus req.Features.
func (r *Runner) SelectImplementation(req *Request) (*Implementation, error) {
	available := make(map[string]struct{}, len(r.staticFeatures)+len(req.Features))
	for f := range r.staticFeatures {
		available[f] = struct{}{}
	}
	for _, f := range req.Features {
		available[f] = struct{}{}
	}

	for i := range req.Implementations {
		impl := &req.Implementations[i]
		if subsetOf(impl.Requirements, available) {
			return impl, nil
		}
	}
	return nil, fmt.Errorf("no implementations match supported features")
}

func subsetOf(requirements []string, available map[string]struct{}) bool {
	for _, req := range requirements {
		if _, ok := available[req]; !ok {
			return false
		}
	}
	return true
}

// Prepare resolves input_method, downloads the chosen implementation's task
// file and any library files into an ephemeral install directory, and
// returns the fully composed invocation parameters to hand to the external
// module runner.
func (r *Runner) Prepare(ctx context.Context, req *Request, impl *Implementation) (installDir string, stdin json.RawMessage, env map[string]string, taskFile string, method InputMethod, err error) {
	method = impl.InputMethod
	if method == "" {
		if strings.HasSuffix(impl.File.Filename, ".ps1") {
			method = InputPowerShell
		} else {
			method = InputStdin
		}
	}
	switch method {
	case InputStdin, InputEnvironment, InputPowerShell:
	default:
		return "", nil, nil, "", "", fmt.Errorf("invalid input_method %q", method)
	}

	taskPath, err := r.cache.Fetch(ctx, r.masters, impl.File.URIPath, impl.File.SHA256, impl.File.Filename)
	if err != nil {
		return "", nil, nil, "", "", fmt.Errorf("failed to fetch task file: %w", err)
	}

	library := append(append([]FileRef{}, req.MetadataFiles...), impl.Files...)
	if len(library) > 0 {
		installDir = filepath.Join(r.spoolDir, fmt.Sprintf("temp_task_%08x", rand.Uint32()))
		if err := os.MkdirAll(installDir, 0750); err != nil {
			return "", nil, nil, "", "", fmt.Errorf("failed to create install dir: %w", err)
		}
		for _, f := range library {
			// A directory entry (trailing "/" in the declared name) only
			// stakes out the prefix the sibling file entries in the same
			// list will be copied under; it has no content of its own to
			// fetch.
			if f.Directory {
				if err := os.MkdirAll(filepath.Join(installDir, f.Filename), 0750); err != nil {
					return "", nil, nil, "", "", err
				}
				continue
			}
			src, err := r.cache.Fetch(ctx, r.masters, f.URIPath, f.SHA256, f.Filename)
			if err != nil {
				return "", nil, nil, "", "", fmt.Errorf("failed to fetch library file %s: %w", f.Filename, err)
			}
			dst := filepath.Join(installDir, f.Filename)
			if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
				return "", nil, nil, "", "", err
			}
			if err := copyFile(src, dst); err != nil {
				return "", nil, nil, "", "", err
			}
		}
		taskDst := filepath.Join(installDir, req.Module, "tasks", impl.File.Filename)
		if err := os.MkdirAll(filepath.Dir(taskDst), 0750); err != nil {
			return "", nil, nil, "", "", err
		}
		if err := copyFile(taskPath, taskDst); err != nil {
			return "", nil, nil, "", "", err
		}
		taskPath = taskDst
	}

	params := req.Params
	if installDir != "" {
		params, err = withInstallDir(params, installDir)
		if err != nil {
			return "", nil, nil, "", "", err
		}
	}

	if method == InputPowerShell && r.PowerShellShim == "" {
		return "", nil, nil, "", "", fmt.Errorf("task requires the powershell input method but no shim is configured")
	}

	if method == InputEnvironment {
		env, err = paramsToEnv(params)
		if err != nil {
			return "", nil, nil, "", "", err
		}
		return installDir, nil, env, taskPath, method, nil
	}
	return installDir, params, nil, taskPath, method, nil
}

// Argv composes the executable and arguments for invoking taskFile under
// method: the powershell method runs the bundled shim with the task file as
// its argument (§4.7 step 6); stdin and environment both invoke the task
// file directly.
func (r *Runner) Argv(method InputMethod, taskFile string) []string {
	if method == InputPowerShell {
		return []string{r.PowerShellShim, taskFile}
	}
	return []string{taskFile}
}

func withInstallDir(params json.RawMessage, installDir string) (json.RawMessage, error) {
	var m map[string]interface{}
	if len(params) == 0 {
		m = map[string]interface{}{}
	} else if err := json.Unmarshal(params, &m); err != nil {
		return nil, err
	}
	m["_installdir"] = installDir
	return json.Marshal(m)
}

func paramsToEnv(params json.RawMessage) (map[string]string, error) {
	var m map[string]interface{}
	if len(params) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(params, &m); err != nil {
		return nil, err
	}
	env := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			env["PT_"+k] = val
		default:
			data, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			env["PT_"+k] = string(data)
		}
	}
	return env, nil
}

// copyFile duplicates src's content and permission bits to dst, so an
// executable task or library file copied into an install dir stays
// executable.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// Run invokes taskFile (or the powershell shim over it) detached. Unlike an
// external module, a task binary speaks no output-file convention of its
// own, so Run delegates to modules.RunCapturingOutput, which pipes the
// child's stdout/stderr into resultsDir itself and writes its exit code
// there too, sharing the detach/wait/onPID/output-delay lifecycle with the
// external-module path (§4.6, §4.7 step 7). stdin carries the raw params
// JSON for "stdin"/"powershell"; it is nil for "environment", whose values
// travel as PT_-prefixed env vars instead.
func (r *Runner) Run(method InputMethod, taskFile string, stdin json.RawMessage, env map[string]string, resultsDir string, onPID func(pid int)) error {
	argv := r.Argv(method, taskFile)

	var envSlice []string
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	return modules.RunCapturingOutput(argv[0], argv[1:], stdin, envSlice, resultsDir, onPID)
}
