// Package config defines the read-only configuration snapshot consumed by
// every other subsystem, and the YAML+env loader that builds it. Command
// line flag binding and config file discovery conventions are the caller's
// concern; this package only owns the shape of the snapshot and the merge
// of file contents with environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Agent is the fully-resolved, immutable-after-load configuration consumed
// by the PCP connector, the request processor, the module/task runners, and
// the purge loop. Every field corresponds to a key in the configuration
// surface table except TaskPowerShellShim, SendRate and Features.
type Agent struct {
	BrokerWSURIs []string `mapstructure:"broker_ws_uris"`
	ClientType   string   `mapstructure:"client_type"`

	CA  string `mapstructure:"ca"`
	Crt string `mapstructure:"crt"`
	Key string `mapstructure:"key"`
	CRL string `mapstructure:"crl"`

	SpoolDir          string `mapstructure:"spool_dir"`
	SpoolDirPurgeTTL  string `mapstructure:"spool_dir_purge_ttl"`
	ModulesDir        string `mapstructure:"modules_dir"`
	ModulesConfigDir  string `mapstructure:"modules_config_dir"`

	TaskCacheDir         string `mapstructure:"task_cache_dir"`
	TaskCacheDirPurgeTTL string `mapstructure:"task_cache_dir_purge_ttl"`
	MasterURIs           []string `mapstructure:"master_uris"`
	MasterProxy          string   `mapstructure:"master_proxy"`

	// TaskPowerShellShim is the bundled shim script the task runner invokes
	// for input_method "powershell" (§4.7 step 6), the Go equivalent of the
	// original agent's exec_prefix/PowershellShim.ps1 convention.
	TaskPowerShellShim string `mapstructure:"task_powershell_shim"`

	PCPVersion int `mapstructure:"pcp_version"`

	WSConnectionTimeoutMS   int `mapstructure:"ws_connection_timeout_ms"`
	AssociationTimeoutS     int `mapstructure:"association_timeout_s"`
	AssociationRequestTTLS  int `mapstructure:"association_request_ttl_s"`
	PCPMessageTTLS          int `mapstructure:"pcp_message_ttl_s"`
	AllowedKeepaliveTimeouts int `mapstructure:"allowed_keepalive_timeouts"`
	PingIntervalS           int `mapstructure:"ping_interval_s"`

	TaskDownloadConnectTimeoutS int `mapstructure:"task_download_connect_timeout_s"`
	TaskDownloadTimeoutS        int `mapstructure:"task_download_timeout_s"`

	MaxMessageSize int `mapstructure:"max_message_size"`

	// SendRate caps outbound PCP messages per second; zero means
	// unlimited. Not part of the original configuration table, added so
	// operators can cap a misbehaving burst of status/finalize traffic.
	SendRate float64 `mapstructure:"send_rate"`

	// Features is the agent's static feature set, used by the task
	// runner's implementation-selection step (§4.7 step 1). Not part of
	// the original configuration table but required to make that step
	// concrete; operators populate it from platform detection upstream.
	Features []string `mapstructure:"features"`
}

// EnvPrefix is prepended (upper-cased, with "_" separators) to every key
// when resolving environment variable overrides, e.g. spool_dir becomes
// PXP_AGENT_SPOOL_DIR.
const EnvPrefix = "PXP_AGENT"

// Default returns an Agent populated with the same conservative defaults
// the connector and storage layers fall back to when a key is unset.
func Default() Agent {
	return Agent{
		ClientType:                  "agent",
		SpoolDirPurgeTTL:            "24h",
		TaskCacheDirPurgeTTL:        "168h",
		PCPVersion:                  2,
		WSConnectionTimeoutMS:       5000,
		AssociationTimeoutS:         15,
		AssociationRequestTTLS:      10,
		PCPMessageTTLS:              10,
		AllowedKeepaliveTimeouts:    2,
		PingIntervalS:               15,
		TaskDownloadConnectTimeoutS: 10,
		TaskDownloadTimeoutS:        600,
		MaxMessageSize:              4 * 1024 * 1024,
	}
}

// Load reads path (YAML) and overlays environment variables prefixed with
// EnvPrefix on top of it, then validates the result.
func Load(path string) (*Agent, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("client_type", def.ClientType)
	v.SetDefault("spool_dir_purge_ttl", def.SpoolDirPurgeTTL)
	v.SetDefault("task_cache_dir_purge_ttl", def.TaskCacheDirPurgeTTL)
	v.SetDefault("pcp_version", def.PCPVersion)
	v.SetDefault("ws_connection_timeout_ms", def.WSConnectionTimeoutMS)
	v.SetDefault("association_timeout_s", def.AssociationTimeoutS)
	v.SetDefault("association_request_ttl_s", def.AssociationRequestTTLS)
	v.SetDefault("pcp_message_ttl_s", def.PCPMessageTTLS)
	v.SetDefault("allowed_keepalive_timeouts", def.AllowedKeepaliveTimeouts)
	v.SetDefault("ping_interval_s", def.PingIntervalS)
	v.SetDefault("task_download_connect_timeout_s", def.TaskDownloadConnectTimeoutS)
	v.SetDefault("task_download_timeout_s", def.TaskDownloadTimeoutS)
	v.SetDefault("max_message_size", def.MaxMessageSize)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read agent configuration: %w", err)
	}

	var agent Agent
	if err := v.Unmarshal(&agent); err != nil {
		return nil, fmt.Errorf("failed to parse agent configuration: %w", err)
	}

	if err := agent.Validate(); err != nil {
		return nil, err
	}

	return &agent, nil
}

// Validate performs the startup sanity pass: required TLS material is
// present, the PCP dialect is supported, and TTLs parse as durations. It is
// a pure function so tests can exercise it without touching viper or the
// filesystem.
func (a *Agent) Validate() error {
	if len(a.BrokerWSURIs) == 0 {
		return fmt.Errorf("config: broker_ws_uris must name at least one broker")
	}
	if a.CA == "" || a.Crt == "" || a.Key == "" {
		return fmt.Errorf("config: ca, crt, and key must all be set")
	}
	if a.PCPVersion != 1 && a.PCPVersion != 2 {
		return fmt.Errorf("config: pcp_version must be 1 or 2, got %d", a.PCPVersion)
	}
	if a.SpoolDir == "" {
		return fmt.Errorf("config: spool_dir must be set")
	}
	if _, err := time.ParseDuration(a.SpoolDirPurgeTTL); err != nil {
		return fmt.Errorf("config: invalid spool_dir_purge_ttl %q: %w", a.SpoolDirPurgeTTL, err)
	}
	if a.TaskCacheDir != "" {
		if _, err := time.ParseDuration(a.TaskCacheDirPurgeTTL); err != nil {
			return fmt.Errorf("config: invalid task_cache_dir_purge_ttl %q: %w", a.TaskCacheDirPurgeTTL, err)
		}
	}
	return nil
}
