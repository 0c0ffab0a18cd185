package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tesshucom/jpsonic-sub005/internal/api"
	"github.com/tesshucom/jpsonic-sub005/internal/cache"
	"github.com/tesshucom/jpsonic-sub005/internal/config"
	"github.com/tesshucom/jpsonic-sub005/internal/control/middleware"
	"github.com/tesshucom/jpsonic-sub005/internal/decision"
	"github.com/tesshucom/jpsonic-sub005/internal/health"
	"github.com/tesshucom/jpsonic-sub005/internal/library"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/pipeline"
	"github.com/tesshucom/jpsonic-sub005/internal/stream"
	"github.com/tesshucom/jpsonic-sub005/internal/telemetry"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

const serviceName = "jpstream"

// Runtime holds every long-lived component of a running server.
type Runtime struct {
	holder *config.Holder
	logger zerolog.Logger

	telemetry *telemetry.Provider
	store     *library.Store
	cache     cache.Cache
	library   *library.CachedLibrary
	registry  *transcoding.Registry
	tracker   *transfer.Tracker
	health    *health.Manager
	api       *api.Server
	metrics   http.Handler

	anonymous atomic.Pointer[library.AnonymousPolicy]
	templates atomic.Pointer[commandTemplates]
}

// commandTemplates are the parsed server-wide commands, swapped on reload.
type commandTemplates struct {
	downsample transcoding.Template
	hls        transcoding.Template
}

// NewRuntime builds every component from the holder's current configuration.
// On error, whatever was already opened is closed.
func NewRuntime(ctx context.Context, holder *config.Holder) (_ *Runtime, err error) {
	cfg := holder.Current()
	rt := &Runtime{
		holder:  holder,
		logger:  log.WithComponent("daemon"),
		tracker: transfer.NewTracker(),
		health:  health.NewManager(cfg.Version),
		metrics: promhttp.Handler(),
	}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := rt.applyDerived(cfg); err != nil {
		return nil, err
	}

	rt.telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if rt.store, err = library.NewStore(cfg.Library.DBPath); err != nil {
		return nil, fmt.Errorf("library: %w", err)
	}
	if rt.cache, err = cache.New(cacheConfig(cfg.Cache), log.WithComponent("cache")); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	rt.library = library.NewCachedLibrary(rt.store, rt.cache, cfg.Cache.TTL, log.WithComponent("library"))
	access := library.NewAccess(rt.store, func() library.AnonymousPolicy { return *rt.anonymous.Load() })

	if rt.registry, err = transcoding.NewRegistry(cfg.Transcodings, cfg.PlayerTranscodings); err != nil {
		return nil, fmt.Errorf("transcodings: %w", err)
	}

	endpoint := stream.New(stream.Deps{
		Library:    rt.library,
		Players:    access,
		Authorizer: access,
		Resolver:   decision.NewResolver(rt.registry, rt.decisionDefaults),
		Opener:     pipeline.NewOpener(rt.pipelineSettings),
		Tracker:    rt.tracker,
		Settings:   rt.streamSettings,
	})

	rt.registerChecks(cfg)

	deps := api.Deps{
		Stream:       endpoint,
		Tracker:      rt.tracker,
		Registry:     rt.registry,
		Transcodings: holder,
		Health:       rt.health,
		Settings: func() api.Settings {
			return api.Settings{APIToken: rt.holder.Current().Auth.APIToken}
		},
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		deps.Metrics = rt.metrics
	}
	stack := api.StackSettings{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		EnableMetrics:  cfg.Metrics.Enabled,
	}
	if cfg.Telemetry.Enabled {
		stack.TracingService = serviceName
	}
	if cfg.Server.RateLimit.Enabled {
		stack.RateLimit = middleware.RateLimitConfig{
			RequestLimit: cfg.Server.RateLimit.RequestLimit,
			WindowSize:   cfg.Server.RateLimit.Window,
		}
	}
	rt.api = api.New(deps, stack)
	return rt, nil
}

// ManagerDeps returns what the Manager serves.
func (rt *Runtime) ManagerDeps(logger zerolog.Logger) Deps {
	cfg := rt.holder.Current()
	d := Deps{
		Logger:     logger,
		Server:     cfg.Server,
		APIHandler: rt.api.Handler(),
		Drain:      rt.drain,
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		d.MetricsHandler = rt.metrics
		d.MetricsAddr = cfg.Metrics.ListenAddr
	}
	return d
}

// Apply makes a reloaded configuration effective. Listener and storage settings
// need a restart; everything read per request changes immediately.
func (rt *Runtime) Apply(ctx context.Context, cfg config.AppConfig) {
	log.SetLevel(cfg.LogLevel)

	if err := rt.applyDerived(cfg); err != nil {
		rt.logger.Error().Err(err).Str(log.FieldEvent, "config.apply_failed").Msg("keeping previous stream settings")
	}
	if err := rt.registry.Replace(cfg.Transcodings, cfg.PlayerTranscodings); err != nil {
		rt.logger.Error().Err(err).Str(log.FieldEvent, "config.apply_failed").Msg("keeping previous transcoding rules")
	}
	rt.library.Invalidate(ctx)

	rt.logger.Info().
		Str(log.FieldEvent, "config.applied").
		Int("transcodings", len(cfg.Transcodings)).
		Msg("configuration applied")
}

// applyDerived parses the settings that are read per request in pre-processed form.
func (rt *Runtime) applyDerived(cfg config.AppConfig) error {
	cidrs, err := library.ParseCIDRs(cfg.Auth.AllowedCIDRs)
	if err != nil {
		return fmt.Errorf("auth.allowedCIDRs: %w", err)
	}
	tpl := &commandTemplates{}
	if cfg.Stream.DownsampleCommand != "" {
		if tpl.downsample, err = transcoding.ParseTemplate(cfg.Stream.DownsampleCommand); err != nil {
			return fmt.Errorf("stream.downsampleCommand: %w", err)
		}
	}
	if cfg.Stream.HLSCommand != "" {
		if tpl.hls, err = transcoding.ParseTemplate(cfg.Stream.HLSCommand); err != nil {
			return fmt.Errorf("stream.hlsCommand: %w", err)
		}
	}
	rt.anonymous.Store(&library.AnonymousPolicy{Enabled: cfg.Auth.AnonymousStreaming, AllowedCIDRs: cidrs})
	rt.templates.Store(tpl)
	return nil
}

func (rt *Runtime) decisionDefaults() decision.Defaults {
	cfg := rt.holder.Current()
	return decision.Defaults{
		BitRate:      cfg.Stream.DefaultBitRate,
		VideoBitRate: cfg.Stream.DefaultVideoBitRate,
		Downsample:   rt.templates.Load().downsample,
	}
}

func (rt *Runtime) pipelineSettings() pipeline.Settings {
	cfg := rt.holder.Current()
	return pipeline.Settings{
		TranscodeDir:   cfg.Stream.TranscodeDir,
		BinDir:         cfg.Stream.BinDir,
		HLSCommand:     rt.templates.Load().hls,
		StartupTimeout: cfg.Stream.StartupTimeout,
		KillGrace:      cfg.Stream.KillGrace,
		DefaultBitRate: cfg.Stream.DefaultBitRate,
	}
}

func (rt *Runtime) streamSettings() stream.Settings {
	cfg := rt.holder.Current()
	return stream.Settings{
		BufferSize:     cfg.Stream.BufferSize,
		VerboseLogging: cfg.Stream.VerboseLogging,
	}
}

func (rt *Runtime) registerChecks(cfg config.AppConfig) {
	rt.health.RegisterChecker(health.NewPingChecker("library", rt.store))
	rt.health.RegisterChecker(health.NewExecutableChecker(rt.Executables))
	rt.health.RegisterChecker(health.NewDirChecker("transcode_dir", cfg.Stream.TranscodeDir))
	if rc, ok := rt.cache.(*cache.RedisCache); ok {
		rt.health.RegisterChecker(health.NewCacheChecker(rc.HealthCheck))
	}
}

// Executables lists every executable the configured commands start.
func (rt *Runtime) Executables() (binDir string, names []string) {
	for _, def := range rt.registry.List() {
		if rule, ok := rt.registry.Get(def.ID); ok {
			for _, step := range rule.Steps() {
				names = append(names, step.Executable())
			}
		}
	}
	tpl := rt.templates.Load()
	for _, t := range []transcoding.Template{tpl.downsample, tpl.hls} {
		if !t.IsZero() {
			names = append(names, t.Executable())
		}
	}
	return rt.holder.Current().Stream.BinDir, names
}

// drain terminates every transfer so the HTTP server can shut down.
func (rt *Runtime) drain(_ context.Context) {
	all := rt.tracker.All()
	for _, s := range all {
		rt.tracker.Terminate(s)
	}
	if len(all) > 0 {
		rt.logger.Info().Int("transfers", len(all)).Str(log.FieldEvent, "transfer.drain").Msg("terminated transfers for shutdown")
	}
}

// Close releases storage and flushes traces.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.cache != nil {
		errs = append(errs, rt.cache.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func cacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		Backend:         c.Backend,
		TTL:             c.TTL,
		CleanupInterval: c.CleanupInterval,
		Redis: cache.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		},
	}
}
