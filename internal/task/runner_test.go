package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, staticFeatures []string) (*Runner, *httptest.Server, []byte) {
	t.Helper()
	content := []byte("#!/bin/sh\necho hi\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	cache, err := NewCache(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	runner := NewRunner(cache, t.TempDir(), []string{srv.URL}, staticFeatures)
	return runner, srv, content
}

func TestSelectImplementationPicksFirstMatchingRequirements(t *testing.T) {
	runner, _, _ := newTestRunner(t, []string{"shell"})
	req := &Request{
		Implementations: []Implementation{
			{File: FileRef{Filename: "task.ps1"}, Requirements: []string{"powershell"}},
			{File: FileRef{Filename: "task.sh"}, Requirements: []string{"shell"}},
		},
	}
	impl, err := runner.SelectImplementation(req)
	require.NoError(t, err)
	assert.Equal(t, "task.sh", impl.File.Filename)
}

func TestSelectImplementationUsesPerRequestFeatures(t *testing.T) {
	runner, _, _ := newTestRunner(t, nil)
	req := &Request{
		Features: []string{"powershell"},
		Implementations: []Implementation{
			{File: FileRef{Filename: "task.ps1"}, Requirements: []string{"powershell"}},
		},
	}
	impl, err := runner.SelectImplementation(req)
	require.NoError(t, err)
	assert.Equal(t, "task.ps1", impl.File.Filename)
}

func TestSelectImplementationEmptyRequirementsAlwaysMatches(t *testing.T) {
	runner, _, _ := newTestRunner(t, nil)
	req := &Request{
		Implementations: []Implementation{
			{File: FileRef{Filename: "task.sh"}},
		},
	}
	impl, err := runner.SelectImplementation(req)
	require.NoError(t, err)
	assert.Equal(t, "task.sh", impl.File.Filename)
}

func TestSelectImplementationNoneMatch(t *testing.T) {
	runner, _, _ := newTestRunner(t, nil)
	req := &Request{
		Implementations: []Implementation{
			{File: FileRef{Filename: "task.ps1"}, Requirements: []string{"powershell"}},
		},
	}
	_, err := runner.SelectImplementation(req)
	assert.Error(t, err)
}

func TestPrepareDefaultsToStdinMethod(t *testing.T) {
	runner, _, content := newTestRunner(t, nil)
	impl := &Implementation{File: FileRef{Filename: "install.sh", SHA256: sha256Hex(content)}}
	req := &Request{Module: "mymodule", Params: json.RawMessage(`{"x":1}`)}

	installDir, stdin, env, taskFile, method, err := runner.Prepare(context.Background(), req, impl)
	require.NoError(t, err)
	assert.Equal(t, InputStdin, method)
	assert.Equal(t, "", installDir)
	assert.Nil(t, env)
	assert.JSONEq(t, `{"x":1}`, string(stdin))
	assert.FileExists(t, taskFile)
}

func TestPrepareInfersPowerShellFromExtension(t *testing.T) {
	runner, _, content := newTestRunner(t, nil)
	runner.PowerShellShim = "/opt/puppetlabs/PowershellShim.ps1"
	impl := &Implementation{File: FileRef{Filename: "install.ps1", SHA256: sha256Hex(content)}}
	req := &Request{Module: "mymodule", Params: json.RawMessage(`{}`)}

	_, _, _, _, method, err := runner.Prepare(context.Background(), req, impl)
	require.NoError(t, err)
	assert.Equal(t, InputPowerShell, method)
}

func TestPreparePowerShellWithoutShimConfiguredFails(t *testing.T) {
	runner, _, content := newTestRunner(t, nil)
	impl := &Implementation{File: FileRef{Filename: "install.ps1", SHA256: sha256Hex(content)}}
	req := &Request{Module: "mymodule", Params: json.RawMessage(`{}`)}

	_, _, _, _, _, err := runner.Prepare(context.Background(), req, impl)
	assert.Error(t, err)
}

func TestPrepareEnvironmentMethodConvertsParamsToPTVars(t *testing.T) {
	runner, _, content := newTestRunner(t, nil)
	impl := &Implementation{File: FileRef{Filename: "install.sh", SHA256: sha256Hex(content)}, InputMethod: InputEnvironment}
	req := &Request{Module: "mymodule", Params: json.RawMessage(`{"message":"hi","count":3}`)}

	_, stdin, env, _, method, err := runner.Prepare(context.Background(), req, impl)
	require.NoError(t, err)
	assert.Equal(t, InputEnvironment, method)
	assert.Nil(t, stdin)
	assert.Equal(t, "hi", env["PT_message"])
	assert.Equal(t, "3", env["PT_count"])
}

func TestPrepareWithLibraryFilesBuildsInstallDir(t *testing.T) {
	runner, _, content := newTestRunner(t, nil)
	libDigest := sha256Hex(content)
	req := &Request{
		Module: "mymodule",
		Params: json.RawMessage(`{}`),
		MetadataFiles: []FileRef{
			{Filename: "mymodule/files/helper.sh", SHA256: libDigest},
		},
	}
	impl := &Implementation{File: FileRef{Filename: "install.sh", SHA256: libDigest}}

	installDir, stdin, _, taskFile, _, err := runner.Prepare(context.Background(), req, impl)
	require.NoError(t, err)
	require.NotEmpty(t, installDir)
	assert.FileExists(t, filepath.Join(installDir, "mymodule", "files", "helper.sh"))
	assert.FileExists(t, taskFile)

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(stdin, &params))
	assert.Equal(t, installDir, params["_installdir"])
}

func TestArgvPowerShellWrapsShim(t *testing.T) {
	runner := &Runner{PowerShellShim: "/shim.ps1"}
	assert.Equal(t, []string{"/shim.ps1", "/task.ps1"}, runner.Argv(InputPowerShell, "/task.ps1"))
}

func TestArgvStdinAndEnvironmentInvokeDirectly(t *testing.T) {
	runner := &Runner{}
	assert.Equal(t, []string{"/task.sh"}, runner.Argv(InputStdin, "/task.sh"))
	assert.Equal(t, []string{"/task.sh"}, runner.Argv(InputEnvironment, "/task.sh"))
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	runner, _, content := newTestRunner(t, nil)
	impl := &Implementation{File: FileRef{Filename: "install.sh", SHA256: sha256Hex(content)}}
	req := &Request{Module: "mymodule", Params: json.RawMessage(`{"x":1}`)}

	_, stdin, env, taskFile, method, err := runner.Prepare(context.Background(), req, impl)
	require.NoError(t, err)

	resultsDir := t.TempDir()
	err = runner.Run(method, taskFile, stdin, env, resultsDir, nil)
	require.NoError(t, err)

	exitcode, err := os.ReadFile(filepath.Join(resultsDir, "exitcode"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(exitcode))
}
