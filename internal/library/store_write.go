package library

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// UpsertItem inserts or updates an item. parentID places it inside an album directory.
func (s *Store) UpsertItem(ctx context.Context, it media.Item, parentID string, position int) error {
	kind := it.Kind
	if kind == "" {
		kind = media.KindAudio
	}
	var duration sql.NullFloat64
	if it.Duration != nil {
		duration = sql.NullFloat64{Float64: *it.Duration, Valid: true}
	}
	var size sql.NullInt64
	if it.Size != nil {
		size = sql.NullInt64{Int64: *it.Size, Valid: true}
	}
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}
	format := it.Format
	if format == "" {
		format = media.FormatOf(it.Path)
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO media_items (id, path, title, format, bit_rate, duration_seconds, size_bytes, kind, folder, parent_id, position)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		path = excluded.path,
		title = excluded.title,
		format = excluded.format,
		bit_rate = excluded.bit_rate,
		duration_seconds = excluded.duration_seconds,
		size_bytes = excluded.size_bytes,
		kind = excluded.kind,
		folder = excluded.folder,
		parent_id = excluded.parent_id,
		position = excluded.position
	`, it.ID, NormalizePath(it.Path), it.Title, media.NormalizeFormat(format), it.BitRate, duration, size,
		string(kind), it.Folder, parent, position)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", it.ID, err)
	}
	return nil
}

// SetPlaylistFiles replaces the ordered file list of a playlist item.
func (s *Store) SetPlaylistFiles(ctx context.Context, playlistID string, itemIDs []string) error {
	return s.replaceList(ctx, "playlist_files", "playlist_id", playlistID, itemIDs)
}

// UpsertPlayer inserts or updates a player.
func (s *Store) UpsertPlayer(ctx context.Context, p media.Player) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO players (id, username, name, transcode_scheme)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		name = excluded.name,
		transcode_scheme = excluded.transcode_scheme
	`, p.ID, p.Username, p.Name, int(p.Scheme))
	if err != nil {
		return fmt.Errorf("upsert player %s: %w", p.ID, err)
	}
	return nil
}

// SetQueue replaces a player's play queue and its current position.
func (s *Store) SetQueue(ctx context.Context, playerID string, itemIDs []string, current int) error {
	if err := s.replaceList(ctx, "play_queue", "player_id", playerID, itemIDs); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE players SET queue_index = ? WHERE id = ?`, current, playerID)
	return err
}

// UpsertUser inserts or updates a user. An empty token disables token login.
func (s *Store) UpsertUser(ctx context.Context, u media.User, token string) error {
	var tok sql.NullString
	if token != "" {
		tok = sql.NullString{String: token, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO users (name, token, stream_role, admin)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		token = excluded.token,
		stream_role = excluded.stream_role,
		admin = excluded.admin
	`, u.Name, tok, u.StreamRole, u.Admin)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.Name, err)
	}
	return nil
}

// GrantFolder allows username ("*" for everyone) to stream items of folder.
func (s *Store) GrantFolder(ctx context.Context, username, folder string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO folder_access (username, folder) VALUES (?, ?)`, username, folder)
	return err
}

// replaceList rewrites an ordered (owner, position, item_id) list in one transaction.
func (s *Store) replaceList(ctx context.Context, table, ownerCol, owner string, itemIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+ownerCol+` = ?`, owner); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+table+` (`+ownerCol+`, position, item_id) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for i, id := range itemIDs {
		if _, err := stmt.ExecContext(ctx, owner, i, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
