package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesshucom/jpsonic-sub005/internal/validate"
)

const sampleYAML = `
logLevel: debug
server:
  listenAddr: ":5050"
  maxConnections: 64
stream:
  bufferSize: 65536
  verboseLogging: true
  transcodeDir: work
  startupTimeout: 3s
  hlsCommand: "ffmpeg -ss %o -t %d -i %s -f mpegts -"
auth:
  apiToken: from-file
  anonymousStreaming: true
  allowedCIDRs: ["10.0.0.0/8"]
library:
  dbPath: lib.db
transcodings:
  - id: 1
    name: mp3 audio
    sourceFormats: [flac, ogg]
    targetFormat: mp3
    step1: "ffmpeg -i %s -map 0:0 -b:a %bk -v 0 -f mp3 -"
    defaultActive: true
playerTranscodings:
  car: [1]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("", "v1.0.0").Load()
	require.NoError(t, err)

	want := Defaults()
	want.Version = "v1.0.0"
	assert.Equal(t, want, cfg)
	assert.Equal(t, 32*1024, cfg.Stream.BufferSize)
	assert.Equal(t, 10*time.Second, cfg.Stream.StartupTimeout)
	assert.Equal(t, DefaultHLSCommand, cfg.Stream.HLSCommand, "HLS works without configuration")
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := NewLoader(path, "dev").Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":5050", cfg.Server.ListenAddr)
	assert.Equal(t, 64, cfg.Server.MaxConnections)
	assert.Equal(t, 65536, cfg.Stream.BufferSize)
	assert.True(t, cfg.Stream.VerboseLogging)
	assert.Equal(t, 3*time.Second, cfg.Stream.StartupTimeout)
	assert.Equal(t, 2*time.Second, cfg.Stream.KillGrace, "unset keys keep defaults")
	assert.Equal(t, filepath.Join(filepath.Dir(path), "work"), cfg.Stream.TranscodeDir)
	assert.DirExists(t, cfg.Stream.TranscodeDir)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "lib.db"), cfg.Library.DBPath, "relative paths follow the config file")
	assert.Equal(t, "from-file", cfg.Auth.APIToken)
	require.Len(t, cfg.Transcodings, 1)
	assert.Equal(t, []string{"flac", "ogg"}, cfg.Transcodings[0].SourceFormats)
	assert.Equal(t, map[string][]int{"car": {1}}, cfg.PlayerTranscodings)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("JPSTREAM_API_TOKEN", "from-env")
	t.Setenv("JPSTREAM_BUFFER_SIZE", "4096")
	t.Setenv("JPSTREAM_VERBOSE_LOGGING", "false")
	t.Setenv("JPSTREAM_ALLOWED_CIDRS", "192.168.0.0/16, 127.0.0.1")
	t.Setenv("JPSTREAM_KILL_GRACE", "500ms")
	t.Setenv("JPSTREAM_MAX_CONNECTIONS", "not-a-number")

	l := NewLoader(path, "dev")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.APIToken)
	assert.Equal(t, 4096, cfg.Stream.BufferSize)
	assert.False(t, cfg.Stream.VerboseLogging)
	assert.Equal(t, []string{"192.168.0.0/16", "127.0.0.1"}, cfg.Auth.AllowedCIDRs)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.KillGrace)
	assert.Equal(t, 64, cfg.Server.MaxConnections, "invalid env value falls back to the file value")
	assert.Contains(t, l.ConsumedEnvKeys, "JPSTREAM_API_TOKEN")
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "stream:\n  bufferSize: 4096\n  bogus: 1\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownConfigField))
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "logLevel: info\n---\nlogLevel: debug\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.ListenAddr, cfg.Server.ListenAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		field  string
	}{
		{"buffer too small", func(c *AppConfig) { c.Stream.BufferSize = 10 }, "stream.bufferSize"},
		{"bad log level", func(c *AppConfig) { c.LogLevel = "loud" }, "logLevel"},
		{"bad listen addr", func(c *AppConfig) { c.Server.ListenAddr = "nope" }, "server.listenAddr"},
		{"bad cidr", func(c *AppConfig) { c.Auth.AllowedCIDRs = []string{"10.0.0.0/99"} }, "auth.allowedCIDRs"},
		{"redis without addr", func(c *AppConfig) { c.Cache.Backend = "redis" }, "cache.redis.addr"},
		{"unknown cache backend", func(c *AppConfig) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"bad hls template", func(c *AppConfig) { c.Stream.HLSCommand = `ffmpeg "unterminated` }, "stream.hlsCommand"},
		{"bad sampling rate", func(c *AppConfig) {
			c.Telemetry.Enabled = true
			c.Telemetry.SamplingRate = 2
		}, "telemetry.samplingRate"},
		{"player references unknown rule", func(c *AppConfig) {
			c.PlayerTranscodings = map[string][]int{"car": {9}}
		}, "transcodings"},
		{"zero kill grace", func(c *AppConfig) { c.Stream.KillGrace = 0 }, "stream.killGrace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)

			var verr validate.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Errors()))
			for _, e := range verr.Errors() {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}
