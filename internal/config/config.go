// Package config loads, validates and hot-reloads the jpstream configuration.
package config

import (
	"time"

	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
)

// AppConfig is the complete runtime configuration.
type AppConfig struct {
	Version  string `yaml:"-"`
	LogLevel string `yaml:"logLevel"`

	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Auth      AuthConfig      `yaml:"auth"`
	Library   LibraryConfig   `yaml:"library"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	Transcodings       []transcoding.Definition `yaml:"transcodings"`
	PlayerTranscodings map[string][]int         `yaml:"playerTranscodings"`
}

type ServerConfig struct {
	ListenAddr        string          `yaml:"listenAddr"`
	MaxConnections    int             `yaml:"maxConnections"` // 0 means unlimited
	ReadHeaderTimeout time.Duration   `yaml:"readHeaderTimeout"`
	IdleTimeout       time.Duration   `yaml:"idleTimeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdownTimeout"`
	AllowedOrigins    []string        `yaml:"allowedOrigins"`
	RateLimit         RateLimitConfig `yaml:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RequestLimit int           `yaml:"requestLimit"`
	Window       time.Duration `yaml:"window"`
}

// StreamConfig holds the settings read by the stream endpoint and the process pipeline.
type StreamConfig struct {
	BufferSize          int           `yaml:"bufferSize"`
	VerboseLogging      bool          `yaml:"verboseLogging"`
	TranscodeDir        string        `yaml:"transcodeDir"`
	BinDir              string        `yaml:"binDir"`
	StartupTimeout      time.Duration `yaml:"startupTimeout"`
	KillGrace           time.Duration `yaml:"killGrace"`
	DownsampleCommand   string        `yaml:"downsampleCommand"`
	HLSCommand          string        `yaml:"hlsCommand"`
	DefaultBitRate      int           `yaml:"defaultBitRate"`
	DefaultVideoBitRate int           `yaml:"defaultVideoBitRate"`
}

type AuthConfig struct {
	APIToken           string   `yaml:"apiToken"`
	AnonymousStreaming bool     `yaml:"anonymousStreaming"`
	AllowedCIDRs       []string `yaml:"allowedCIDRs"`
}

type LibraryConfig struct {
	DBPath string `yaml:"dbPath"`
}

type CacheConfig struct {
	Backend         string        `yaml:"backend"` // memory, redis or none
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	Redis           RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // grpc or http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"` // empty serves /metrics on the main listener
}

// DefaultHLSCommand segments the stream into MPEG-TS for HLS requests.
const DefaultHLSCommand = "ffmpeg -ss %o -t %d -i %s -f mpegts -"

// Defaults returns the configuration used when neither file nor environment set a value.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:        ":4040",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			RateLimit: RateLimitConfig{
				RequestLimit: 600,
				Window:       time.Minute,
			},
		},
		Stream: StreamConfig{
			BufferSize:          32 * 1024,
			StartupTimeout:      10 * time.Second,
			KillGrace:           2 * time.Second,
			DefaultBitRate:      128,
			DefaultVideoBitRate: 2000,
			HLSCommand:          DefaultHLSCommand,
		},
		Library: LibraryConfig{DBPath: "jpstream.db"},
		Cache: CacheConfig{
			Backend:         "memory",
			TTL:             30 * time.Second,
			CleanupInterval: time.Minute,
			Redis:           RedisConfig{KeyPrefix: "jpstream:"},
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}
