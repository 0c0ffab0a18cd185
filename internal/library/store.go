// Package library is the SQLite-backed catalogue the stream endpoint reads items, players,
// queues and users from.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// Store provides SQLite persistence for library metadata.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_items (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT '',
		bit_rate INTEGER NOT NULL DEFAULT 0,
		duration_seconds REAL,
		size_bytes INTEGER,
		kind TEXT NOT NULL DEFAULT 'audio' CHECK(kind IN ('audio', 'video', 'album', 'playlist')),
		folder TEXT NOT NULL DEFAULT '',
		parent_id TEXT,
		position INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_media_items_parent ON media_items(parent_id, position);

	CREATE TABLE IF NOT EXISTS playlist_files (
		playlist_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		PRIMARY KEY (playlist_id, position)
	);

	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		transcode_scheme INTEGER NOT NULL DEFAULT 0,
		queue_index INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_players_username ON players(username);

	CREATE TABLE IF NOT EXISTS play_queue (
		player_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		PRIMARY KEY (player_id, position)
	);

	CREATE TABLE IF NOT EXISTS users (
		name TEXT PRIMARY KEY,
		token TEXT UNIQUE,
		stream_role INTEGER NOT NULL DEFAULT 1,
		admin INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS folder_access (
		username TEXT NOT NULL,
		folder TEXT NOT NULL,
		PRIMARY KEY (username, folder)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NormalizePath cleans p and converts it to NFC, the form paths are stored in.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	return norm.NFC.String(filepath.Clean(p))
}

const itemColumns = `id, path, title, format, bit_rate, duration_seconds, size_bytes, kind, folder`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (media.Item, error) {
	var (
		it       media.Item
		kind     string
		duration sql.NullFloat64
		size     sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.Path, &it.Title, &it.Format, &it.BitRate, &duration, &size, &kind, &it.Folder); err != nil {
		return media.Item{}, err
	}
	it.Kind = media.Kind(kind)
	if duration.Valid {
		d := duration.Float64
		it.Duration = &d
	}
	if size.Valid {
		n := size.Int64
		it.Size = &n
	}
	return it, nil
}

func notFound(err error, what, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", media.ErrNotFound, what, key)
	}
	return err
}

// MediaItem returns the item with the given id.
func (s *Store) MediaItem(ctx context.Context, id string) (media.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM media_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		return media.Item{}, notFound(err, "item", id)
	}
	return it, nil
}

// MediaItemByPath returns the item stored under path.
func (s *Store) MediaItemByPath(ctx context.Context, path string) (media.Item, error) {
	path = NormalizePath(path)
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM media_items WHERE path = ?`, path)
	it, err := scanItem(row)
	if err != nil {
		return media.Item{}, notFound(err, "path", path)
	}
	return it, nil
}

// ChildrenOrPlaylistFiles returns the playable files of an album directory or a playlist,
// in play order.
func (s *Store) ChildrenOrPlaylistFiles(ctx context.Context, id string) ([]media.Item, error) {
	parent, err := s.MediaItem(ctx, id)
	if err != nil {
		return nil, err
	}

	var query string
	switch parent.Kind {
	case media.KindAlbum:
		query = `SELECT ` + itemColumns + ` FROM media_items
			WHERE parent_id = ? AND kind IN ('audio', 'video')
			ORDER BY position, path`
	case media.KindPlaylist:
		query = `SELECT m.id, m.path, m.title, m.format, m.bit_rate, m.duration_seconds, m.size_bytes, m.kind, m.folder
			FROM playlist_files p JOIN media_items m ON m.id = p.item_id
			WHERE p.playlist_id = ?
			ORDER BY p.position`
	default:
		return []media.Item{parent}, nil
	}
	return s.queryItems(ctx, query, id)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]media.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Player returns the player with the given id.
func (s *Store) Player(ctx context.Context, id string) (media.Player, error) {
	var p media.Player
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, name, transcode_scheme FROM players WHERE id = ?`, id,
	).Scan(&p.ID, &p.Username, &p.Name, &p.Scheme)
	if err != nil {
		return media.Player{}, notFound(err, "player", id)
	}
	return p, nil
}

// PlayerForUser returns the first player registered for username.
func (s *Store) PlayerForUser(ctx context.Context, username string) (media.Player, error) {
	var p media.Player
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, name, transcode_scheme FROM players WHERE username = ? ORDER BY id LIMIT 1`, username,
	).Scan(&p.ID, &p.Username, &p.Name, &p.Scheme)
	if err != nil {
		return media.Player{}, notFound(err, "player for user", username)
	}
	return p, nil
}

// Queue returns the player's play queue from its current position on.
func (s *Store) Queue(ctx context.Context, playerID string) ([]media.Item, error) {
	return s.queryItems(ctx, `
		SELECT m.id, m.path, m.title, m.format, m.bit_rate, m.duration_seconds, m.size_bytes, m.kind, m.folder
		FROM play_queue q
		JOIN players p ON p.id = q.player_id
		JOIN media_items m ON m.id = q.item_id
		WHERE q.player_id = ? AND q.position >= p.queue_index
		ORDER BY q.position`, playerID)
}

// UserByToken returns the user owning token.
func (s *Store) UserByToken(ctx context.Context, token string) (media.User, error) {
	var u media.User
	err := s.db.QueryRowContext(ctx,
		`SELECT name, stream_role, admin FROM users WHERE token = ?`, token,
	).Scan(&u.Name, &u.StreamRole, &u.Admin)
	if err != nil {
		return media.User{}, notFound(err, "user", "token")
	}
	return u, nil
}

// HasFolderAccess reports whether username, or everyone ("*"), was granted folder.
func (s *Store) HasFolderAccess(ctx context.Context, username, folder string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folder_access WHERE folder = ? AND username IN (?, '*')`, folder, username,
	).Scan(&n)
	return n > 0, err
}
