// Package main is the CLI entry point for svcctl.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/svcctl/internal/config"
	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/infra"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd"
	"github.com/eliteGoblin/focusd/svcctl/internal/usecase"
	"github.com/eliteGoblin/focusd/svcctl/internal/xpc"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(defaultEnv()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// env is everything the commands take from the outside world.
type env struct {
	runtime func() (xpc.Runtime, error)
	out     io.Writer
	// plistDirs overrides the standard LaunchAgents/LaunchDaemons dirs.
	plistDirs func(home string) []infra.PlistDir
	// logger overrides createLogger.
	logger *zap.Logger
	procs  domain.ProcessInspector
}

func defaultEnv() *env {
	return &env{
		runtime:   xpc.NewNativeRuntime,
		out:       os.Stdout,
		plistDirs: infra.StandardPlistDirs,
		procs:     infra.NewProcessInspector(),
	}
}

// options are the persistent flags.
type options struct {
	target     string
	output     string
	verbose    bool
	configPath string
	dataDir    string
}

// app is the wired object graph for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	exec      *infra.ExecModeConfig
	target    domain.DomainTarget
	transport *xpc.Transport
	client    *launchd.Client
	index     *infra.PlistIndex
	dirs      []infra.PlistDir
	cache     *usecase.StatusCache
	manager   *usecase.ServiceManager
	journal   domain.CommandJournal
	keys      domain.KeyProvider
	procs     domain.ProcessInspector
	out       *printer
}

func newApp(e *env, opts *options) (*app, error) {
	cfgPath := opts.configPath
	if cfgPath == "" {
		p, err := config.Path()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config: %w", err)
		}
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	out, err := newPrinter(e.out, opts.output)
	if err != nil {
		return nil, err
	}

	exec := infra.DetectExecMode()
	target := cfg.DefaultTarget(exec.Target)
	if opts.target != "" {
		target, err = domain.ParseDomainTarget(opts.target)
		if err != nil {
			return nil, err
		}
	}

	dataDir := exec.DataDir
	if cfg.DataDir != "" {
		dataDir = cfg.DataDir
	}
	if opts.dataDir != "" {
		dataDir = opts.dataDir
	}

	logger := e.logger
	if logger == nil {
		logger = createLogger(cfg.LogPath, opts.verbose)
	}

	rt, err := e.runtime()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize xpc runtime: %w", err)
	}
	transport := xpc.NewTransport(rt, logger)
	client := launchd.NewClient(transport, logger, cfg.ClientConfig())

	dirs := e.plistDirs(exec.Home)
	index := infra.NewPlistIndex(dirs, logger)
	cache := usecase.NewStatusCache(client, index, cfg.StatusCacheConfig(), logger)

	keys := infra.NewJournalKey(exec, dataDir)
	var journal domain.CommandJournal
	if j, err := openJournal(dataDir, keys); err != nil {
		logger.Warn("command journal unavailable", zap.String("data_dir", dataDir), zap.Error(err))
	} else {
		journal = j
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		exec:      exec,
		target:    target,
		transport: transport,
		client:    client,
		index:     index,
		dirs:      dirs,
		cache:     cache,
		manager:   usecase.NewServiceManager(client, cache, index, journal, logger),
		journal:   journal,
		keys:      keys,
		procs:     e.procs,
		out:       out,
	}, nil
}

func openJournal(dataDir string, keys domain.KeyProvider) (*infra.Journal, error) {
	key, err := keys.Ensure()
	if err != nil {
		return nil, err
	}
	return infra.NewJournal(dataDir, key)
}

// Close releases the journal and the bootstrap pipe.
func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close journal", zap.Error(err))
		}
	}
	a.transport.Reset()
	_ = a.logger.Sync()
}

func createLogger(path string, verbose bool) *zap.Logger {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{path}
	logCfg.ErrorOutputPaths = []string{path}
	logCfg.EncoderConfig.TimeKey = "time"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logCfg.Build()
	if err != nil {
		// A CLI must not fail because its log file is unwritable
		return zap.NewNop()
	}
	return logger
}
