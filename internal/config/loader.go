package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JPSTREAM_"

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every key the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader returns a loader for configPath. An empty path means environment only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, possibly empty.
func (l *Loader) Path() string { return l.configPath }

// Load builds and validates the configuration.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if l.configPath != "" {
		base := filepath.Dir(l.configPath)
		cfg.Stream.TranscodeDir = resolveRelative(base, cfg.Stream.TranscodeDir)
		cfg.Library.DBPath = resolveRelative(base, cfg.Library.DBPath)
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// resolveRelative anchors a relative path at the config file's directory.
func resolveRelative(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// loadFile decodes path over cfg. Unknown keys and trailing documents are rejected.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the config path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) key(name string) string {
	k := EnvPrefix + name
	l.ConsumedEnvKeys[k] = struct{}{}
	return k
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString(l.key("LOG_LEVEL"), cfg.LogLevel)

	cfg.Server.ListenAddr = ParseString(l.key("LISTEN_ADDR"), cfg.Server.ListenAddr)
	cfg.Server.MaxConnections = ParseInt(l.key("MAX_CONNECTIONS"), cfg.Server.MaxConnections)
	cfg.Server.ShutdownTimeout = ParseDuration(l.key("SHUTDOWN_TIMEOUT"), cfg.Server.ShutdownTimeout)
	cfg.Server.AllowedOrigins = ParseList(l.key("ALLOWED_ORIGINS"), cfg.Server.AllowedOrigins)
	cfg.Server.RateLimit.Enabled = ParseBool(l.key("RATE_LIMIT_ENABLED"), cfg.Server.RateLimit.Enabled)
	cfg.Server.RateLimit.RequestLimit = ParseInt(l.key("RATE_LIMIT"), cfg.Server.RateLimit.RequestLimit)
	cfg.Server.RateLimit.Window = ParseDuration(l.key("RATE_WINDOW"), cfg.Server.RateLimit.Window)

	cfg.Stream.BufferSize = ParseInt(l.key("BUFFER_SIZE"), cfg.Stream.BufferSize)
	cfg.Stream.VerboseLogging = ParseBool(l.key("VERBOSE_LOGGING"), cfg.Stream.VerboseLogging)
	cfg.Stream.TranscodeDir = ParseString(l.key("TRANSCODE_DIR"), cfg.Stream.TranscodeDir)
	cfg.Stream.BinDir = ParseString(l.key("BIN_DIR"), cfg.Stream.BinDir)
	cfg.Stream.StartupTimeout = ParseDuration(l.key("STARTUP_TIMEOUT"), cfg.Stream.StartupTimeout)
	cfg.Stream.KillGrace = ParseDuration(l.key("KILL_GRACE"), cfg.Stream.KillGrace)
	cfg.Stream.DownsampleCommand = ParseString(l.key("DOWNSAMPLE_COMMAND"), cfg.Stream.DownsampleCommand)
	cfg.Stream.HLSCommand = ParseString(l.key("HLS_COMMAND"), cfg.Stream.HLSCommand)
	cfg.Stream.DefaultBitRate = ParseInt(l.key("DEFAULT_BITRATE"), cfg.Stream.DefaultBitRate)
	cfg.Stream.DefaultVideoBitRate = ParseInt(l.key("DEFAULT_VIDEO_BITRATE"), cfg.Stream.DefaultVideoBitRate)

	cfg.Auth.APIToken = ParseString(l.key("API_TOKEN"), cfg.Auth.APIToken)
	cfg.Auth.AnonymousStreaming = ParseBool(l.key("ANONYMOUS_STREAMING"), cfg.Auth.AnonymousStreaming)
	cfg.Auth.AllowedCIDRs = ParseList(l.key("ALLOWED_CIDRS"), cfg.Auth.AllowedCIDRs)

	cfg.Library.DBPath = ParseString(l.key("DB_PATH"), cfg.Library.DBPath)

	cfg.Cache.Backend = ParseString(l.key("CACHE_BACKEND"), cfg.Cache.Backend)
	cfg.Cache.TTL = ParseDuration(l.key("CACHE_TTL"), cfg.Cache.TTL)
	cfg.Cache.Redis.Addr = ParseString(l.key("REDIS_ADDR"), cfg.Cache.Redis.Addr)
	cfg.Cache.Redis.Password = ParseString(l.key("REDIS_PASSWORD"), cfg.Cache.Redis.Password)
	cfg.Cache.Redis.DB = ParseInt(l.key("REDIS_DB"), cfg.Cache.Redis.DB)

	cfg.Telemetry.Enabled = ParseBool(l.key("TRACING_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString(l.key("TRACING_EXPORTER"), cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString(l.key("TRACING_ENDPOINT"), cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(l.key("TRACING_SAMPLE_RATE"), cfg.Telemetry.SamplingRate)

	cfg.Metrics.Enabled = ParseBool(l.key("METRICS_ENABLED"), cfg.Metrics.Enabled)
	cfg.Metrics.ListenAddr = ParseString(l.key("METRICS_ADDR"), cfg.Metrics.ListenAddr)
}
