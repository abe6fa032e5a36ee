package repository

import (
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/schema"
)

// ItemRepository owns the items/files tables: the content-addressed item
// identity and the (possibly many) filesystem paths pointing at it, per
// spec.md §3's Item/File shapes.
type ItemRepository struct {
	DB *sqlx.DB
}

// EnsureItem inserts the items row for this sha256 if it does not already
// exist, returning its id either way. Mirrors SetterRepository.EnsureSetter's
// lookup-or-upsert shape.
func (r *ItemRepository) EnsureItem(it schema.Item, now time.Time) (int64, error) {
	var id int64
	err := sq.Select("id").From("items").Where("sha256 = ?", it.SHA256).
		RunWith(r.DB).QueryRow().Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if it.TimeAdded == "" {
		it.TimeAdded = now.UTC().Format(time.RFC3339)
	}
	res, err := sq.Insert("items").
		Columns("sha256", "md5", "type", "size", "width", "height", "duration",
			"audio_tracks", "video_tracks", "subtitle_tracks", "time_added", "blurhash").
		Values(it.SHA256, it.MD5, it.Type, it.Size, it.Width, it.Height, it.Duration,
			it.AudioTracks, it.VideoTracks, it.SubtitleTracks, it.TimeAdded, it.Blurhash).
		RunWith(r.DB).Exec()
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetItem fetches an items row by id.
func (r *ItemRepository) GetItem(id int64) (*schema.Item, error) {
	var it schema.Item
	err := r.DB.Get(&it, `SELECT * FROM items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &it, err
}

// UpsertFile inserts or refreshes a files row for the given path, marking it
// available and stamping the scan id that observed it (spec.md §4's folder
// rescan: re-discovering a known path refreshes last_modified/available
// rather than duplicating the row, since path is UNIQUE).
func (r *ItemRepository) UpsertFile(f schema.File, scanID int64) (int64, error) {
	res, err := r.DB.Exec(`
		INSERT INTO files (sha256, item_id, path, filename, last_modified, scan_id, available)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET
			sha256 = excluded.sha256,
			item_id = excluded.item_id,
			filename = excluded.filename,
			last_modified = excluded.last_modified,
			scan_id = excluded.scan_id,
			available = 1
	`, f.SHA256, f.ItemID, f.Path, f.Filename, f.LastModified, scanID)
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}
	var id int64
	err = r.DB.Get(&id, `SELECT id FROM files WHERE path = ?`, f.Path)
	return id, err
}

// MarkUnavailableExceptScan flips available=0 on every file under root that
// was not touched by scanID, the "missing file" half of a folder rescan.
func (r *ItemRepository) MarkUnavailableExceptScan(pathPrefix string, scanID int64) (int64, error) {
	res, err := r.DB.Exec(`
		UPDATE files SET available = 0
		WHERE path LIKE ? AND scan_id != ? AND available = 1
	`, pathPrefix+"%", scanID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindBySha256OrPath resolves a file reference the way the teacher's
// FindJobOrUser resolves a job-or-user lookup key: try the precise key
// first (sha256), then fall back to a secondary key (path) only if the
// first yields nothing.
func (r *ItemRepository) FindBySha256OrPath(sha256, path string) (*schema.File, error) {
	var f schema.File
	if sha256 != "" {
		err := r.DB.Get(&f, `SELECT * FROM files WHERE sha256 = ? AND available = 1 LIMIT 1`, sha256)
		if err == nil {
			return &f, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if path != "" {
		err := r.DB.Get(&f, `SELECT * FROM files WHERE path = ? AND available = 1 LIMIT 1`, path)
		if err == nil {
			return &f, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// FilesForItem lists every known path for an item, ordered by id, used by
// the Search Runner's check_path repair (scanning for another available,
// still-existing path for the same item once the representative one is
// found to be gone).
func (r *ItemRepository) FilesForItem(itemID int64) ([]schema.File, error) {
	var files []schema.File
	err := r.DB.Select(&files, `SELECT * FROM files WHERE item_id = ? ORDER BY id`, itemID)
	return files, err
}
