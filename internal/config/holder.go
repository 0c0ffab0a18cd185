package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	xglog "github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
)

const defaultDebounce = 500 * time.Millisecond

// Holder holds the current configuration and swaps it atomically on reload.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	loader  *Loader
	logger  zerolog.Logger

	// writeMu serialises persistence so concurrent CRUD calls don't interleave file writes.
	writeMu  sync.Mutex
	debounce time.Duration

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}

	listenersMu sync.RWMutex
	listeners   []chan<- AppConfig
}

// NewHolder returns a holder seeded with an already loaded configuration.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current:  initial,
		loader:   loader,
		logger:   xglog.WithComponent("config"),
		debounce: defaultDebounce,
	}
}

// Current returns the active configuration.
func (h *Holder) Current() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates the configuration again. On failure the previous
// configuration stays active.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("new configuration rejected")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.logChanges(prev, next)
	h.notify(next)
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file until ctx ends. Without a file it is a no-op.
// The parent directory is watched so editors that replace the file are picked up.
func (h *Holder) StartWatcher(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().Str(xglog.FieldEvent, "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	h.watchMu.Lock()
	h.watcher = watcher
	h.done = make(chan struct{})
	done := h.done
	h.watchMu.Unlock()

	h.logger.Info().Str(xglog.FieldEvent, "config.watcher_started").Str(xglog.FieldPath, path).Msg("watching config file")
	go h.watchLoop(ctx, watcher, filepath.Clean(path), done)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	defer func() { _ = watcher.Close() }()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(xglog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			h.logger.Debug().Str(xglog.FieldEvent, "config.file_changed").Str("op", ev.Op.String()).Msg("config file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.auto_reload_failed").Msg("automatic config reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the watcher and waits for its loop to exit.
func (h *Holder) Stop() {
	h.watchMu.Lock()
	watcher, done := h.watcher, h.done
	h.watcher, h.done = nil, nil
	h.watchMu.Unlock()
	if watcher == nil {
		return
	}
	_ = watcher.Close()
	<-done
}

// RegisterListener subscribes ch to successful reloads. Sends never block.
func (h *Holder) RegisterListener(ch chan<- AppConfig) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg AppConfig) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(xglog.FieldEvent, "config.listener_skip").Msg("skipped notifying listener (channel full)")
		}
	}
}

// UpdateTranscodings persists a new rule set and per-player activations, then makes them current.
// Only the transcodings and playerTranscodings keys of the file are rewritten; the file is
// replaced atomically. Without a config file the change is applied in memory only.
func (h *Holder) UpdateTranscodings(_ context.Context, defs []transcoding.Definition, players map[string][]int) error {
	if _, err := transcoding.NewRegistry(defs, players); err != nil {
		return fmt.Errorf("update transcodings: %w", err)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if path := h.loader.Path(); path != "" {
		if err := writeTranscodings(path, defs, players); err != nil {
			return fmt.Errorf("persist transcodings: %w", err)
		}
	} else {
		h.logger.Warn().Str(xglog.FieldEvent, "config.persist_skipped").Msg("no config file, transcoding change kept in memory")
	}

	h.mu.Lock()
	h.current.Transcodings = slices.Clone(defs)
	h.current.PlayerTranscodings = players
	h.mu.Unlock()

	h.logger.Info().
		Str(xglog.FieldEvent, "config.transcodings_updated").
		Int("rules", len(defs)).
		Int("players", len(players)).
		Msg("transcoding rules updated")
	return nil
}

func writeTranscodings(path string, defs []transcoding.Definition, players map[string][]int) error {
	// #nosec G304 -- the config path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level is not a mapping", path)
	}

	if err := setKey(root, "transcodings", defs); err != nil {
		return err
	}
	if len(players) == 0 {
		deleteKey(root, "playerTranscodings")
	} else if err := setKey(root, "playerTranscodings", players); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return renameio.WriteFile(path, buf.Bytes(), perm)
}

func setKey(m *yaml.Node, key string, value any) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = &v
			return nil
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &v)
	return nil
}

func deleteKey(m *yaml.Node, key string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content = slices.Delete(m.Content, i, i+2)
			return
		}
	}
}

// logChanges logs the settings operators most often tune at runtime.
func (h *Holder) logChanges(prev, next AppConfig) {
	if prev.LogLevel != next.LogLevel {
		h.logger.Info().Str("old", prev.LogLevel).Str("new", next.LogLevel).Msg("config changed: logLevel")
	}
	if prev.Stream.VerboseLogging != next.Stream.VerboseLogging {
		h.logger.Info().Bool("old", prev.Stream.VerboseLogging).Bool("new", next.Stream.VerboseLogging).Msg("config changed: stream.verboseLogging")
	}
	if prev.Stream.BufferSize != next.Stream.BufferSize {
		h.logger.Info().Int("old", prev.Stream.BufferSize).Int("new", next.Stream.BufferSize).Msg("config changed: stream.bufferSize")
	}
	if len(prev.Transcodings) != len(next.Transcodings) {
		h.logger.Info().Int("old", len(prev.Transcodings)).Int("new", len(next.Transcodings)).Msg("config changed: transcodings")
	}
	if prev.Auth.APIToken != next.Auth.APIToken {
		h.logger.Info().Msg("config changed: auth.apiToken")
	}
	if prev.Server.ListenAddr != next.Server.ListenAddr {
		h.logger.Warn().Str("old", prev.Server.ListenAddr).Str("new", next.Server.ListenAddr).Msg("server.listenAddr changed; restart required")
	}
}
