// Command pxp-agent is the process entrypoint: it loads the configuration
// snapshot, wires the spool, mutex registry, thread container, module
// registry, task runner, PCP connector, and request processor together, then
// blocks until an interrupt or termination signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/puppetlabs/pxp-agent-sub000/internal/action"
	"github.com/puppetlabs/pxp-agent-sub000/internal/config"
	"github.com/puppetlabs/pxp-agent-sub000/internal/logging"
	"github.com/puppetlabs/pxp-agent-sub000/internal/modules"
	"github.com/puppetlabs/pxp-agent-sub000/internal/mutexregistry"
	"github.com/puppetlabs/pxp-agent-sub000/internal/pcp"
	"github.com/puppetlabs/pxp-agent-sub000/internal/pcpwire"
	"github.com/puppetlabs/pxp-agent-sub000/internal/processor"
	"github.com/puppetlabs/pxp-agent-sub000/internal/purge"
	"github.com/puppetlabs/pxp-agent-sub000/internal/storage"
	"github.com/puppetlabs/pxp-agent-sub000/internal/task"
	"github.com/puppetlabs/pxp-agent-sub000/internal/threadcontainer"
)

func main() {
	configPath := flag.String("config", "/etc/puppetlabs/pxp-agent/pxp-agent.conf.yaml", "path to the agent configuration file")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())

	if err := run(*configPath, logger); err != nil {
		logger.Fatalf("pxp-agent: %v", err)
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := storage.New(cfg.SpoolDir, logger)

	mutexes := mutexregistry.New()
	workers := threadcontainer.New(logger)
	defer workers.Close()

	registry := modules.NewRegistry()
	registry.Register(modules.NewEcho())
	registry.Register(modules.NewPing())

	if cfg.ModulesDir != "" {
		loadExternalModules(cfg.ModulesDir, registry, logger)
	}

	conn := pcp.New(pcp.Config{
		BrokerWSURIs:             cfg.BrokerWSURIs,
		ClientType:               cfg.ClientType,
		Identity:                 cfg.ClientType,
		CAFile:                   cfg.CA,
		CrtFile:                  cfg.Crt,
		KeyFile:                  cfg.Key,
		CRLFile:                  cfg.CRL,
		Dialect:                  pcp.Dialect(cfg.PCPVersion),
		WSConnectionTimeout:      time.Duration(cfg.WSConnectionTimeoutMS) * time.Millisecond,
		AssociationTimeout:       time.Duration(cfg.AssociationTimeoutS) * time.Second,
		AssociationRequestTTL:    time.Duration(cfg.AssociationRequestTTLS) * time.Second,
		MessageTTL:               time.Duration(cfg.PCPMessageTTLS) * time.Second,
		AllowedKeepaliveTimeouts: cfg.AllowedKeepaliveTimeouts,
		PingInterval:             time.Duration(cfg.PingIntervalS) * time.Second,
		MaxMessageSize:           int64(cfg.MaxMessageSize),
		SendRate:                 cfg.SendRate,
		Logger:                   logger,
	})

	proc := processor.New(registry, store, mutexes, workers, conn, logger)

	registry.Register(modules.NewStatus(proc.QueryStatusJSON))

	purgeables := []purge.Purgeable{storagePurgeable{store, mustParseTTL(cfg.SpoolDirPurgeTTL)}}
	var cache *task.Cache
	if cfg.TaskCacheDir != "" {
		cache, err = task.NewCache(cfg.TaskCacheDir, nil)
		if err != nil {
			return err
		}
		defer cache.Close()
		purgeables = append(purgeables, cachePurgeable{cache, mustParseTTL(cfg.TaskCacheDirPurgeTTL)})

		taskRunner := task.NewRunner(cache, cfg.SpoolDir, cfg.MasterURIs, cfg.Features)
		taskRunner.PowerShellShim = cfg.TaskPowerShellShim
		registry.Register(task.NewModule(taskRunner, logger))
	}

	conn.RegisterMessageCallback(pcpwire.TypeRPCRequest, func(msg *pcpwire.Message) {
		proc.ProcessRequest(action.Blocking, msg.Envelope.Sender, msg.Data, msg.Debug)
	})
	conn.RegisterMessageCallback(pcpwire.TypeRPCNonBlocking, func(msg *pcpwire.Message) {
		proc.ProcessRequest(action.NonBlocking, msg.Envelope.Sender, msg.Data, msg.Debug)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	loop := purge.New(purgeables, func() []string { return workers.Names() }, logger)
	go loop.Run(ctx)

	logger.Infof("pxp-agent: started, spool=%s brokers=%v", cfg.SpoolDir, cfg.BrokerWSURIs)
	<-ctx.Done()
	logger.Info("pxp-agent: shutting down")
	return nil
}

func loadExternalModules(dir string, registry *modules.Registry, logger logrus.FieldLogger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warnf("pxp-agent: failed to read modules_dir %s: %v", dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		mod, err := modules.LoadExternal(path, logger)
		if err != nil {
			logger.Warnf("pxp-agent: failed to load module %s, excluding it: %v", path, err)
			continue
		}
		registry.Register(mod)
	}
}

func mustParseTTL(s string) time.Duration {
	d, err := parseDurationOrDefault(s, 24*time.Hour)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// storagePurgeable and cachePurgeable adapt the results spool and the task
// file cache to purge.Purgeable, each carrying its own pre-parsed TTL.
type storagePurgeable struct {
	store *storage.Storage
	ttl   time.Duration
}

func (p storagePurgeable) Name() string         { return "results_storage" }
func (p storagePurgeable) TTL() time.Duration    { return p.ttl }
func (p storagePurgeable) Purge(ttl time.Duration, ongoing []string) (int, error) {
	return p.store.Purge(ttl, ongoing, nil)
}

type cachePurgeable struct {
	cache *task.Cache
	ttl   time.Duration
}

func (p cachePurgeable) Name() string      { return "task_cache" }
func (p cachePurgeable) TTL() time.Duration { return p.ttl }
func (p cachePurgeable) Purge(ttl time.Duration, _ []string) (int, error) {
	return p.cache.Purge(ttl)
}
