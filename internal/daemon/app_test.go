package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesshucom/jpsonic-sub005/internal/config"
)

type fakeManager struct {
	started  atomic.Bool
	startErr error
}

func (m *fakeManager) Start(ctx context.Context) error {
	m.started.Store(true)
	if m.startErr != nil {
		return m.startErr
	}
	<-ctx.Done()
	return nil
}

func (m *fakeManager) Shutdown(context.Context) error { return nil }

func (m *fakeManager) RegisterShutdownHook(string, ShutdownHook) {}

func TestAppRunRequiresManager(t *testing.T) {
	app := NewApp(testLogger(), nil, nil, nil)
	assert.ErrorIs(t, app.Run(context.Background()), ErrMissingManager)
}

func TestAppRunReturnsManagerError(t *testing.T) {
	boom := errors.New("listen failed")
	app := NewApp(testLogger(), &fakeManager{startErr: boom}, nil, nil)
	app.reloadSignal = nil
	assert.ErrorIs(t, app.Run(context.Background()), boom)
}

func TestAppAppliesReloadedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: info\n"), 0o600))

	loader := config.NewLoader(path, "test")
	cfg, err := loader.Load()
	require.NoError(t, err)
	holder := config.NewHolder(cfg, loader)

	applied := make(chan config.AppConfig, 4)
	mgr := &fakeManager{}
	app := NewApp(testLogger(), mgr, holder, func(_ context.Context, c config.AppConfig) {
		applied <- c
	})
	app.reloadSignal = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, mgr.started.Load, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o600))
	require.NoError(t, holder.Reload(ctx))

	select {
	case c := <-applied:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("reloaded config was not applied")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
}
