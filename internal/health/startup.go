package health

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tesshucom/jpsonic-sub005/internal/log"
)

// StartupConfig lists what PerformStartupChecks verifies.
type StartupConfig struct {
	TranscodeDir string
	DBPath       string
	BinDir       string
	Executables  []string
}

// PerformStartupChecks fails when a required directory is unusable and warns about
// transcoder executables that cannot be found.
func PerformStartupChecks(ctx context.Context, cfg StartupConfig) error {
	logger := log.WithComponent("startup-check")

	if cfg.TranscodeDir != "" {
		if err := checkWritable(cfg.TranscodeDir); err != nil {
			return fmt.Errorf("transcode directory check failed: %w", err)
		}
	}
	if cfg.DBPath != "" {
		if err := checkWritable(filepath.Dir(cfg.DBPath)); err != nil {
			return fmt.Errorf("library directory check failed: %w", err)
		}
	}

	res := NewExecutableChecker(func() (string, []string) { return cfg.BinDir, cfg.Executables }).Check(ctx)
	if res.Status != StatusHealthy {
		logger.Warn().
			Str(log.FieldEvent, "startup.transcoders_missing").
			Str(log.FieldReason, res.Error).
			Msg("some transcoding rules will fail until their executables are installed")
	}

	logger.Info().Str(log.FieldEvent, "startup.checks_passed").Msg("startup checks passed")
	return nil
}
