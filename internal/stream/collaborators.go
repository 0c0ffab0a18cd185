package stream

import (
	"context"
	"net/http"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// Library looks up catalogue entries. Missing entries are reported with media.ErrNotFound.
type Library interface {
	MediaItem(ctx context.Context, id string) (media.Item, error)
	MediaItemByPath(ctx context.Context, path string) (media.Item, error)
	// ChildrenOrPlaylistFiles returns the playable files of an album or playlist in order.
	ChildrenOrPlaylistFiles(ctx context.Context, id string) ([]media.Item, error)
}

// Players resolves the player a request plays on.
type Players interface {
	ResolvePlayer(ctx context.Context, id string, user media.User) (media.Player, error)
	CurrentQueue(ctx context.Context, player media.Player) ([]media.Item, error)
}

// Authorizer authenticates requests and answers permission checks.
type Authorizer interface {
	Authenticate(r *http.Request) (media.User, error)
	CanStream(user media.User) bool
	CanAccessFolder(ctx context.Context, item media.Item, user media.User) (bool, error)
}

// Settings are read once per request.
type Settings struct {
	BufferSize     int  // bytes per copy chunk
	VerboseLogging bool // log transfer progress at info
}

const DefaultBufferSize = 32 << 10

func (s Settings) bufferSize() int {
	if s.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return s.BufferSize
}
