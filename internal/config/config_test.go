package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pxp-agent.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0640))
	return path
}

const minimalValidYAML = `
broker_ws_uris:
  - wss://broker1.example.com:8142/pcp/v2
ca: /etc/puppetlabs/puppet/ssl/certs/ca.pem
crt: /etc/puppetlabs/puppet/ssl/certs/agent.pem
key: /etc/puppetlabs/puppet/ssl/private_keys/agent.pem
spool_dir: /opt/puppetlabs/pxp-agent/spool
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalValidYAML)
	agent, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "agent", agent.ClientType)
	assert.Equal(t, "24h", agent.SpoolDirPurgeTTL)
	assert.Equal(t, 2, agent.PCPVersion)
	assert.Equal(t, 5000, agent.WSConnectionTimeoutMS)
	assert.Equal(t, 4*1024*1024, agent.MaxMessageSize)
	assert.Equal(t, []string{"wss://broker1.example.com:8142/pcp/v2"}, agent.BrokerWSURIs)
}

func TestLoadOverridesFromFile(t *testing.T) {
	body := minimalValidYAML + "\npcp_version: 1\nmax_message_size: 1024\n"
	path := writeConfig(t, body)
	agent, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, agent.PCPVersion)
	assert.Equal(t, 1024, agent.MaxMessageSize)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	path := writeConfig(t, minimalValidYAML)
	t.Setenv("PXP_AGENT_CLIENT_TYPE", "controller")
	t.Setenv("PXP_AGENT_MAX_MESSAGE_SIZE", "2048")

	agent, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "controller", agent.ClientType)
	assert.Equal(t, 2048, agent.MaxMessageSize)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "broker_ws_uris:\n  - wss://broker1.example.com:8142/pcp/v2\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	assert.Error(t, err)
}

func TestValidateMissingBrokers(t *testing.T) {
	a := Default()
	a.CA, a.Crt, a.Key = "ca", "crt", "key"
	a.SpoolDir = "/tmp/spool"
	assert.Error(t, a.Validate())
}

func TestValidateMissingTLSMaterial(t *testing.T) {
	a := Default()
	a.BrokerWSURIs = []string{"wss://broker1.example.com:8142/pcp/v2"}
	a.SpoolDir = "/tmp/spool"
	assert.Error(t, a.Validate())
}

func TestValidateBadPCPVersion(t *testing.T) {
	a := Default()
	a.BrokerWSURIs = []string{"wss://broker1.example.com:8142/pcp/v2"}
	a.CA, a.Crt, a.Key = "ca", "crt", "key"
	a.SpoolDir = "/tmp/spool"
	a.PCPVersion = 3
	assert.Error(t, a.Validate())
}

func TestValidateMissingSpoolDir(t *testing.T) {
	a := Default()
	a.BrokerWSURIs = []string{"wss://broker1.example.com:8142/pcp/v2"}
	a.CA, a.Crt, a.Key = "ca", "crt", "key"
	assert.Error(t, a.Validate())
}

func TestValidateBadSpoolTTL(t *testing.T) {
	a := Default()
	a.BrokerWSURIs = []string{"wss://broker1.example.com:8142/pcp/v2"}
	a.CA, a.Crt, a.Key = "ca", "crt", "key"
	a.SpoolDir = "/tmp/spool"
	a.SpoolDirPurgeTTL = "not-a-duration"
	assert.Error(t, a.Validate())
}

func TestValidateBadTaskCacheTTLOnlyCheckedWhenCacheDirSet(t *testing.T) {
	a := Default()
	a.BrokerWSURIs = []string{"wss://broker1.example.com:8142/pcp/v2"}
	a.CA, a.Crt, a.Key = "ca", "crt", "key"
	a.SpoolDir = "/tmp/spool"
	a.TaskCacheDirPurgeTTL = "not-a-duration"

	assert.NoError(t, a.Validate())

	a.TaskCacheDir = "/tmp/task-cache"
	assert.Error(t, a.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	a := Default()
	a.BrokerWSURIs = []string{"wss://broker1.example.com:8142/pcp/v2"}
	a.CA, a.Crt, a.Key = "ca", "crt", "key"
	a.SpoolDir = "/tmp/spool"
	assert.NoError(t, a.Validate())
}
