package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tesshucom/jpsonic-sub005/internal/config"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
)

// App owns the long-lived runtime: config watcher, reload wiring and the servers.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	holder       *config.Holder
	apply        func(ctx context.Context, cfg config.AppConfig)
	reloadSignal os.Signal
}

// NewApp returns an App. apply is called with every successfully reloaded configuration.
func NewApp(logger zerolog.Logger, manager Manager, holder *config.Holder, apply func(context.Context, config.AppConfig)) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		holder:       holder,
		apply:        apply,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run blocks until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
		}

		if a.apply != nil {
			applyCh := make(chan config.AppConfig, 1)
			a.holder.RegisterListener(applyCh)
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case cfg := <-applyCh:
						a.apply(ctx, cfg)
					}
				}
			})
		}

		if a.reloadSignal != nil {
			g.Go(func() error {
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, a.reloadSignal)
				defer signal.Stop(hup)
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-hup:
						a.logger.Info().
							Str(log.FieldEvent, "config.reload_signal").
							Str("signal", a.reloadSignal.String()).
							Msg("received reload signal")
						if err := a.holder.Reload(ctx); err != nil {
							a.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("config reload failed")
						}
					}
				}
			})
		}
	}

	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	err := g.Wait()
	if a.holder != nil {
		a.holder.Stop()
	}
	return err
}
