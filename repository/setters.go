package repository

import (
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// SetterRepository resolves and creates `setters` rows, following the same
// lookup-or-upsert shape used throughout this package (ItemRepository.
// EnsureItem, ItemDataRepository.InsertTag's tag lookup) for any
// name-addressed table.
type SetterRepository struct {
	DB *sqlx.DB
}

// EnsureSetter returns the id of the setter with this name, creating it if
// it does not already exist (spec.md §4.7 step 2: "upsert the setter
// name").
func (r *SetterRepository) EnsureSetter(name string) (int64, error) {
	var id int64
	err := sq.Select("id").From("setters").Where("name = ?", name).
		RunWith(r.DB).QueryRow().Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := r.DB.Exec(`INSERT INTO setters (name) VALUES (?)
		ON CONFLICT(name) DO UPDATE SET name = excluded.name`, name)
	if err != nil {
		return 0, err
	}
	if id, err = res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}

	// SQLite's LastInsertId on a no-op upsert (conflict branch) can return
	// 0; fall back to a lookup.
	err = sq.Select("id").From("setters").Where("name = ?", name).
		RunWith(r.DB).QueryRow().Scan(&id)
	return id, err
}
