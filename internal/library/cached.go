package library

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tesshucom/jpsonic-sub005/internal/cache"
	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

const DefaultCacheTTL = 30 * time.Second

// CachedLibrary fronts the store's item lookups with a cache. Concurrent misses for the
// same key share one query.
type CachedLibrary struct {
	store  *Store
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger zerolog.Logger
}

func NewCachedLibrary(store *Store, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *CachedLibrary {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedLibrary{store: store, cache: c, ttl: ttl, logger: logger}
}

func (l *CachedLibrary) MediaItem(ctx context.Context, id string) (media.Item, error) {
	return l.lookup(ctx, "item:"+id, func(ctx context.Context) (media.Item, error) {
		return l.store.MediaItem(ctx, id)
	})
}

func (l *CachedLibrary) MediaItemByPath(ctx context.Context, path string) (media.Item, error) {
	path = NormalizePath(path)
	return l.lookup(ctx, "path:"+path, func(ctx context.Context) (media.Item, error) {
		return l.store.MediaItemByPath(ctx, path)
	})
}

// ChildrenOrPlaylistFiles is not cached; playlists change under the cache otherwise.
func (l *CachedLibrary) ChildrenOrPlaylistFiles(ctx context.Context, id string) ([]media.Item, error) {
	return l.store.ChildrenOrPlaylistFiles(ctx, id)
}

// Invalidate drops every cached lookup.
func (l *CachedLibrary) Invalidate(ctx context.Context) {
	l.cache.Clear(ctx)
}

func (l *CachedLibrary) lookup(ctx context.Context, key string, load func(context.Context) (media.Item, error)) (media.Item, error) {
	if raw, ok := l.cache.Get(ctx, key); ok {
		var it media.Item
		if err := json.Unmarshal(raw, &it); err == nil {
			return it, nil
		}
		l.cache.Delete(ctx, key)
	}

	// the shared load outlives any single caller; each caller waits on its own context
	loadCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		it, err := load(loadCtx)
		if err != nil {
			return media.Item{}, err
		}
		if raw, err := json.Marshal(it); err == nil {
			l.cache.Set(loadCtx, key, raw, l.ttl)
		} else {
			l.logger.Warn().Err(err).Str("key", key).Msg("encode cached item")
		}
		return it, nil
	})
	select {
	case <-ctx.Done():
		return media.Item{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return media.Item{}, res.Err
		}
		return res.Val.(media.Item), nil
	}
}
