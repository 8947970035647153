package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/puppetlabs/pxp-agent-sub000/internal/modules"
)

// runParams is the wire shape of the "task" module's "run" action, matching
// the real pxp-agent task module's input schema: a task name, its
// metadata (input_method/implementations/files), any per-request features,
// the file set puppetserver resolved for it, and the task's own input.
type runParams struct {
	Task     string          `json:"task"`
	Metadata runMetadata     `json:"metadata"`
	Features []string        `json:"features"`
	Files    []wireFileRef   `json:"files"`
	Input    json.RawMessage `json:"input"`
}

type runMetadata struct {
	InputMethod     InputMethod          `json:"input_method"`
	Implementations []wireImplementation `json:"implementations"`
	Files           []string             `json:"files"`
}

type wireImplementation struct {
	Name         string      `json:"name"`
	Requirements []string    `json:"requirements"`
	Files        []string    `json:"files"`
	InputMethod  InputMethod `json:"input_method"`
}

type wireFileRef struct {
	Filename string          `json:"filename"`
	URI      wireURI         `json:"uri"`
	SHA256   string          `json:"sha256"`
}

type wireURI struct {
	Path   string            `json:"path"`
	Params map[string]string `json:"params"`
}

// Module adapts a Runner to the registry's Module interface, exposing a
// single non-blocking "run" action.
type Module struct {
	runner *Runner
	logger logrus.FieldLogger
}

// NewModule returns the "task" module backed by runner.
func NewModule(runner *Runner, logger logrus.FieldLogger) *Module {
	return &Module{runner: runner, logger: logger}
}

func (m *Module) Name() string { return "task" }

func (m *Module) Actions() map[string]*modules.Action {
	return map[string]*modules.Action{"run": {Name: "run"}}
}

func (m *Module) SupportsAsync() bool { return true }

func (m *Module) HasAction(name string) bool { return name == "run" }

// Execute is unsupported: the real task module only ever runs non-blocking,
// since a task's runtime is unbounded.
func (m *Module) Execute(action string, params json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("task module does not support blocking invocation")
}

// ExecuteAsync parses the run-action params, selects an implementation,
// prepares its invocation (library files, install dir, input method), and
// runs it detached, following §4.7 end to end.
func (m *Module) ExecuteAsync(action string, params json.RawMessage, resultsDir string, onPID func(pid int)) error {
	if action != "run" {
		return fmt.Errorf("task module has no action %q", action)
	}

	var in runParams
	if err := json.Unmarshal(params, &in); err != nil {
		return fmt.Errorf("invalid task run params: %w", err)
	}
	if in.Task == "" || len(in.Files) == 0 {
		return fmt.Errorf("task run params must include task and a non-empty files list")
	}

	req := &Request{
		Module:        moduleOf(in.Task),
		Features:      in.Features,
		MetadataFiles: fileRefs(in.Metadata.Files, in.Files),
		Params:        in.Input,
	}
	for _, wi := range in.Metadata.Implementations {
		file, ok := selectFile(in.Files, wi.Name)
		if !ok {
			return fmt.Errorf("implementation %q file not found among task files", wi.Name)
		}
		req.Implementations = append(req.Implementations, Implementation{
			File:         file,
			Requirements: wi.Requirements,
			InputMethod:  wi.InputMethod,
			Files:        fileRefs(wi.Files, in.Files),
		})
	}
	if len(req.Implementations) == 0 {
		// No implementations declared: the sole file is the task itself,
		// with whichever input_method metadata carries at top level.
		file, ok := selectFile(in.Files, "")
		if !ok {
			return fmt.Errorf("no task file found in params")
		}
		req.Implementations = []Implementation{{File: file, InputMethod: in.Metadata.InputMethod}}
	}

	impl, err := m.runner.SelectImplementation(req)
	if err != nil {
		return err
	}

	ctx := context.Background()
	installDir, stdin, env, taskFile, method, err := m.runner.Prepare(ctx, req, impl)
	if err != nil {
		return err
	}
	if installDir != "" {
		m.logger.WithField("install_dir", installDir).Debugf("task %s: prepared multi-file install dir", in.Task)
	}

	return m.runner.Run(method, taskFile, stdin, env, resultsDir, onPID)
}

func moduleOf(task string) string {
	for i, c := range task {
		if c == ':' {
			return task[:i]
		}
	}
	return task
}

func selectFile(files []wireFileRef, filename string) (FileRef, bool) {
	if filename == "" && len(files) > 0 {
		return toFileRef(files[0]), true
	}
	for _, f := range files {
		if f.Filename == filename {
			return toFileRef(f), true
		}
	}
	return FileRef{}, false
}

func toFileRef(f wireFileRef) FileRef {
	return FileRef{URIPath: f.URI.Path, URIParams: f.URI.Params, SHA256: f.SHA256, Filename: f.Filename}
}

// fileRefs expands a list of declared filenames (library files named in
// metadata or an implementation) into FileRef values looked up from the
// wire file set, expanding any trailing-"/" directory entry into every
// matching file under that prefix.
func fileRefs(names []string, files []wireFileRef) []FileRef {
	var out []FileRef
	for _, name := range names {
		if len(name) > 0 && name[len(name)-1] == '/' {
			for _, f := range files {
				if len(f.Filename) > len(name) && f.Filename[:len(name)] == name {
					out = append(out, toFileRef(f))
				}
			}
			continue
		}
		if f, ok := selectFile(files, name); ok {
			out = append(out, f)
		}
	}
	return out
}
