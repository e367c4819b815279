package root

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pcpgo/pcpcast/internal/gnuid"
)

// Index persists directory entries to sqlite so the listing survives a
// restart. Entries are upserted and deleted by channel id.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (and if needed creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		bitrate INTEGER NOT NULL DEFAULT 0,
		listeners INTEGER NOT NULL DEFAULT 0,
		relays INTEGER NOT NULL DEFAULT 0,
		address TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create channels table: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert writes one directory entry.
func (ix *Index) Upsert(d Detail) error {
	_, err := ix.db.Exec(`INSERT INTO channels
		(id, name, genre, description, comment, url, content_type, bitrate,
		 listeners, relays, address, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, genre=excluded.genre, description=excluded.description,
		 comment=excluded.comment, url=excluded.url,
		 content_type=excluded.content_type, bitrate=excluded.bitrate,
		 listeners=excluded.listeners, relays=excluded.relays,
		 address=excluded.address, updated_at=excluded.updated_at,
		 status=excluded.status`,
		d.ID.String(), d.Name, d.Genre, d.Desc, d.Comment, d.URL,
		d.ContentType, d.Bitrate, d.Listeners, d.Relays, d.Address,
		d.CreatedAt.Unix(), d.UpdatedAt.Unix(), d.Status)
	return err
}

// Delete drops one entry.
func (ix *Index) Delete(id gnuid.GnuID) error {
	_, err := ix.db.Exec(`DELETE FROM channels WHERE id = ?`, id.String())
	return err
}

// List reads every persisted entry, newest update first.
func (ix *Index) List() ([]Detail, error) {
	rows, err := ix.db.Query(`SELECT id, name, genre, description, comment, url,
		content_type, bitrate, listeners, relays, address,
		created_at, updated_at, status
		FROM channels ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detail
	for rows.Next() {
		var d Detail
		var id string
		var created, updated int64
		if err := rows.Scan(&id, &d.Name, &d.Genre, &d.Desc, &d.Comment,
			&d.URL, &d.ContentType, &d.Bitrate, &d.Listeners, &d.Relays,
			&d.Address, &created, &updated, &d.Status); err != nil {
			return nil, err
		}
		if d.ID, err = gnuid.Parse(id); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(created, 0)
		d.UpdatedAt = time.Unix(updated, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}
