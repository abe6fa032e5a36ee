package search_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/internal/pql"
	"github.com/reasv/panoptikon-go/internal/search"
	"github.com/reasv/panoptikon-go/repository"
)

// seedFiles creates a fresh index database with three items whose file
// paths are real (two exist on disk, one doesn't), so check_path has
// something genuine to verify against.
func seedFiles(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.Open(filepath.Join(dir, "index.db"), false)
	require.NoError(t, err)
	require.NoError(t, repository.InitSchema(db))
	t.Cleanup(func() { db.Close() })

	for _, name := range []string{"a.jpg", "b.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644))
	}

	exec := func(q string, args ...any) {
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}
	exec(`INSERT INTO items(id, sha256, type, time_added) VALUES
		(1, 'sha1', 'image/jpeg', '2026-01-01'),
		(2, 'sha2', 'image/jpeg', '2026-01-02'),
		(3, 'sha3', 'image/jpeg', '2026-01-03')`)
	exec(`INSERT INTO files(id, sha256, item_id, path, filename, last_modified, available) VALUES
		(1, 'sha1', 1, ?, 'a.jpg', '2026-03-01T00:00:00Z', 1),
		(2, 'sha2', 2, ?, 'b.jpg', '2026-03-02T00:00:00Z', 1),
		(9, 'sha3', 3, ?, 'missing.jpg', '2026-03-03T00:00:00Z', 1)`,
		filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.jpg"), filepath.Join(dir, "missing.jpg"))

	return db, dir
}

func TestRunCountAndPage(t *testing.T) {
	db, _ := seedFiles(t)
	r := search.New(db, &repository.ItemRepository{DB: db})

	out, err := r.Run(pql.Query{Entity: pql.EntityFile, Count: true, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 3, out.TotalCount)
	require.Len(t, out.Results, 3)
}

func TestRunCheckPathDropsMissingFileEntityRow(t *testing.T) {
	db, _ := seedFiles(t)
	r := search.New(db, &repository.ItemRepository{DB: db})

	out, err := r.Run(pql.Query{Entity: pql.EntityFile, PageSize: 10, CheckPath: true})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	for _, res := range out.Results {
		require.NotEqual(t, "sha3", res.SHA256)
	}
}

func TestRunCheckPathRepairsItemEntityRowFromAnotherFile(t *testing.T) {
	db, dir := seedFiles(t)
	// item 3's representative file (highest file_id, id=9) is missing; add
	// a second, present file at a LOWER id for the same item so the
	// item-entity query still picks the missing one as representative
	// (MAX(file_id) grouping), forcing checkPath's repair path to run
	// rather than coincidentally picking the present file to begin with.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.jpg"), []byte("data"), 0o644))
	_, err := db.Exec(`INSERT INTO files(id, sha256, item_id, path, filename, last_modified, available) VALUES
		(3, 'sha3', 3, ?, 'c.jpg', '2026-03-04T00:00:00Z', 1)`, filepath.Join(dir, "c.jpg"))
	require.NoError(t, err)

	r := search.New(db, &repository.ItemRepository{DB: db})
	out, err := r.Run(pql.Query{Entity: pql.EntityItem, PageSize: 10, CheckPath: true})
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
}

func TestRunCountOnlySkipsPagePhase(t *testing.T) {
	db, _ := seedFiles(t)
	r := search.New(db, &repository.ItemRepository{DB: db})

	out, err := r.Run(pql.Query{Entity: pql.EntityFile, Count: true, PageSize: 0})
	require.NoError(t, err)
	require.Equal(t, 3, out.TotalCount)
	require.Empty(t, out.Results)
}
