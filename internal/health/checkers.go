package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tesshucom/jpsonic-sub005/internal/pipeline"
)

// Pinger is anything with a context-aware liveness ping, such as the library store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails.
type PingChecker struct {
	name string
	p    Pinger
}

func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, p: p}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if err := c.p.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// CacheChecker probes an optional remote cache. A failing cache degrades lookups but
// streaming keeps working, so it never reports unhealthy.
type CacheChecker struct {
	check func(ctx context.Context) error
}

func NewCacheChecker(check func(ctx context.Context) error) *CacheChecker {
	return &CacheChecker{check: check}
}

func (c *CacheChecker) Name() string { return "cache" }

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	if err := c.check(ctx); err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// ExecutableChecker verifies that every configured transcoder executable resolves.
// Missing executables degrade the service; pass-through streaming still works.
type ExecutableChecker struct {
	source func() (binDir string, executables []string)
}

// NewExecutableChecker reads the executable list on every check so reloads are reflected.
func NewExecutableChecker(source func() (binDir string, executables []string)) *ExecutableChecker {
	return &ExecutableChecker{source: source}
}

func (c *ExecutableChecker) Name() string { return "transcoders" }

func (c *ExecutableChecker) Check(_ context.Context) CheckResult {
	binDir, names := c.source()
	if len(names) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no transcoders configured"}
	}
	unique := slices.Compact(slices.Sorted(slices.Values(names)))
	var missing []string
	for _, name := range unique {
		if _, err := pipeline.LookupExecutable(binDir, name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "transcoding unavailable for rules using these executables",
			Error:   "not found: " + strings.Join(missing, ", "),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d executables found", len(unique))}
}

// DirChecker verifies that a directory exists and is writable.
type DirChecker struct {
	name string
	path string
}

func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	if err := checkWritable(c.path); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}
	f, err := os.CreateTemp(dir, ".write_test*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(filepath.Clean(name))
	return nil
}
