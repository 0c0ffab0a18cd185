package config

import (
	"fmt"

	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
	"github.com/tesshucom/jpsonic-sub005/internal/validate"
)

// Validate checks cfg. It may create stream.transcodeDir.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.OneOf("logLevel", cfg.LogLevel, []string{"trace", "debug", "info", "warn", "error"})

	v.ListenAddr("server.listenAddr", cfg.Server.ListenAddr, false)
	v.NonNegative("server.maxConnections", cfg.Server.MaxConnections)
	v.PositiveDuration("server.shutdownTimeout", cfg.Server.ShutdownTimeout)
	if cfg.Server.RateLimit.Enabled {
		v.Positive("server.rateLimit.requestLimit", cfg.Server.RateLimit.RequestLimit)
		v.PositiveDuration("server.rateLimit.window", cfg.Server.RateLimit.Window)
	}

	v.Range("stream.bufferSize", cfg.Stream.BufferSize, 512, 4<<20)
	v.PositiveDuration("stream.startupTimeout", cfg.Stream.StartupTimeout)
	v.PositiveDuration("stream.killGrace", cfg.Stream.KillGrace)
	v.Positive("stream.defaultBitRate", cfg.Stream.DefaultBitRate)
	v.Positive("stream.defaultVideoBitRate", cfg.Stream.DefaultVideoBitRate)
	if cfg.Stream.TranscodeDir != "" {
		v.Directory("stream.transcodeDir", cfg.Stream.TranscodeDir, false)
	}
	for field, cmd := range map[string]string{
		"stream.downsampleCommand": cfg.Stream.DownsampleCommand,
		"stream.hlsCommand":        cfg.Stream.HLSCommand,
	} {
		if cmd == "" {
			continue
		}
		if _, err := transcoding.ParseTemplate(cmd); err != nil {
			v.AddError(field, err.Error(), cmd)
		}
	}

	v.CIDRs("auth.allowedCIDRs", cfg.Auth.AllowedCIDRs)
	v.NotEmpty("library.dbPath", cfg.Library.DBPath)

	v.OneOf("cache.backend", cfg.Cache.Backend, []string{"memory", "redis", "none"})
	if cfg.Cache.Backend == "redis" {
		v.NotEmpty("cache.redis.addr", cfg.Cache.Redis.Addr)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.Fraction("telemetry.samplingRate", cfg.Telemetry.SamplingRate)
	}
	v.ListenAddr("metrics.listenAddr", cfg.Metrics.ListenAddr, true)

	v.Custom("transcodings", cfg.Transcodings, func(any) error {
		if _, err := transcoding.NewRegistry(cfg.Transcodings, cfg.PlayerTranscodings); err != nil {
			return fmt.Errorf("invalid transcoding rules: %w", err)
		}
		return nil
	})

	return v.Err()
}
