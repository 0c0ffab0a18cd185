package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tesshucom/jpsonic-sub005/internal/config"
	"github.com/tesshucom/jpsonic-sub005/internal/daemon"
	"github.com/tesshucom/jpsonic-sub005/internal/health"
	xglog "github.com/tesshucom/jpsonic-sub005/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:], os.Stdout, os.Stderr))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:], os.Stdout, os.Stderr))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", defaultConfigPath(), "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "jpstream",
		Version: version,
	})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	loader := config.NewLoader(path, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}
	xglog.SetLevel(cfg.LogLevel)

	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", path).
		Msg("configuration loaded")

	holder := config.NewHolder(cfg, loader)
	rt, err := daemon.NewRuntime(ctx, holder)
	if err != nil {
		logger.Fatal().Err(err).Str(xglog.FieldEvent, "runtime.init_failed").Msg("failed to initialise runtime")
	}

	binDir, executables := rt.Executables()
	if err := health.PerformStartupChecks(ctx, health.StartupConfig{
		TranscodeDir: cfg.Stream.TranscodeDir,
		DBPath:       cfg.Library.DBPath,
		BinDir:       binDir,
		Executables:  executables,
	}); err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))
		logger.Fatal().
			Err(err).
			Str(xglog.FieldEvent, "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	logger.Info().
		Str(xglog.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Server.ListenAddr).
		Int("transcodings", len(cfg.Transcodings)).
		Msg("starting jpstream")
	if cfg.Auth.APIToken == "" {
		logger.Warn().Str("security", "weak").Msg("API token not configured, admin API is disabled")
	}
	if cfg.Auth.AnonymousStreaming {
		logger.Warn().Strs("allowed_cidrs", cfg.Auth.AllowedCIDRs).Msg("anonymous streaming enabled")
	}

	mgr, err := daemon.NewManager(rt.ManagerDeps(logger))
	if err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))
		logger.Fatal().Err(err).Str(xglog.FieldEvent, "manager.creation.failed").Msg("failed to create daemon manager")
	}
	mgr.RegisterShutdownHook("runtime", rt.Close)

	app := daemon.NewApp(logger, mgr, holder, rt.Apply)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str(xglog.FieldEvent, "manager.failed").Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}
