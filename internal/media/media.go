// Package media holds the read-only domain records the stream pipeline works on.
package media

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by lookups for items, playlists and players that do not exist.
var ErrNotFound = errors.New("not found")

// Kind classifies a library entry.
type Kind string

const (
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindAlbum    Kind = "album"    // directory streamed as a queue of its children
	KindPlaylist Kind = "playlist" // playlist streamed as a queue of its files
)

// IsContainer reports whether items of this kind are streamed through their children.
func (k Kind) IsContainer() bool {
	return k == KindAlbum || k == KindPlaylist
}

// Item is an immutable snapshot of a library entry.
type Item struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Title    string   `json:"title,omitempty"`
	Format   string   `json:"format"`
	BitRate  int      `json:"bitRate,omitempty"`  // kbps, 0 when unknown
	Duration *float64 `json:"duration,omitempty"` // seconds
	Size     *int64   `json:"size,omitempty"`     // bytes
	Kind     Kind     `json:"kind"`
	Folder   string   `json:"folder,omitempty"` // music folder the item lives in, used for access checks
}

// DurationSeconds returns the duration and whether it is known and positive.
func (i Item) DurationSeconds() (float64, bool) {
	if i.Duration == nil || *i.Duration <= 0 {
		return 0, false
	}
	return *i.Duration, true
}

// FileSize returns the size and whether it is known and positive.
func (i Item) FileSize() (int64, bool) {
	if i.Size == nil || *i.Size <= 0 {
		return 0, false
	}
	return *i.Size, true
}

// IsVideo reports whether the item is a video.
func (i Item) IsVideo() bool {
	return i.Kind == KindVideo
}

// NormalizeFormat lower-cases a format or file extension and strips the leading dot.
func NormalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}

// FormatOf derives the format from a file path extension.
func FormatOf(path string) string {
	return NormalizeFormat(filepath.Ext(path))
}

// TranscodeScheme is the per-player bitrate ceiling in kbps. SchemeOff disables it.
type TranscodeScheme int

const SchemeOff TranscodeScheme = 0

// MaxBitRate returns the ceiling and whether the scheme is active.
func (s TranscodeScheme) MaxBitRate() (int, bool) {
	if s <= 0 {
		return 0, false
	}
	return int(s), true
}

// Player is a playback client registered for a user.
type Player struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Name     string          `json:"name,omitempty"`
	Scheme   TranscodeScheme `json:"transcodeScheme"`
}

// User is the authenticated (or anonymous) caller.
type User struct {
	Name       string `json:"name"`
	Anonymous  bool   `json:"anonymous,omitempty"`
	StreamRole bool   `json:"streamRole"`
	Admin      bool   `json:"admin,omitempty"`
}

// VideoSettings are the per-request video geometry and timing hints.
type VideoSettings struct {
	Width      int
	Height     int
	TimeOffset float64 // seconds into the video
	Duration   float64 // segment length in seconds, 0 for the whole item
}

// Defaults used when a request names no geometry.
const (
	DefaultVideoWidth  = 640
	DefaultVideoHeight = 480
)

// TargetKind discriminates Target.
type TargetKind int

const (
	TargetItem TargetKind = iota
	TargetPath
	TargetPlaylist
	TargetQueue
)

func (k TargetKind) String() string {
	switch k {
	case TargetItem:
		return "item"
	case TargetPath:
		return "path"
	case TargetPlaylist:
		return "playlist"
	case TargetQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Target is what a stream request asks for. Exactly one of the fields is meaningful per Kind.
type Target struct {
	Kind TargetKind
	ID   string // item or playlist id
	Path string
}

// ItemTarget addresses a single library item (or a container item) by id.
func ItemTarget(id string) Target { return Target{Kind: TargetItem, ID: id} }

// PathTarget addresses a library item by its file path.
func PathTarget(path string) Target { return Target{Kind: TargetPath, Path: path} }

// PlaylistTarget addresses a playlist by id.
func PlaylistTarget(id string) Target { return Target{Kind: TargetPlaylist, ID: id} }

// QueueTarget addresses the player's current play queue.
func QueueTarget() Target { return Target{Kind: TargetQueue} }
