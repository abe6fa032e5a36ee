package pql_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/internal/pql"
	"github.com/reasv/panoptikon-go/repository"
)

// seedDB creates a fresh index database with three items/files, one tag,
// and one extracted_text row, mirroring the example index used throughout
// spec.md §9's cursor-pagination walkthrough ("Page 1 ... [F1, F2] ...
// Page 2 ... [F3]").
func seedDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.Open(filepath.Join(dir, "index.db"), false)
	require.NoError(t, err)
	require.NoError(t, repository.InitSchema(db))

	t.Cleanup(func() { db.Close() })

	exec := func(q string, args ...any) {
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO items(id, sha256, type, time_added) VALUES
		(1, 'sha1', 'image/jpeg', '2026-01-01'),
		(2, 'sha2', 'image/png', '2026-01-02'),
		(3, 'sha3', 'text/plain', '2026-01-03')`)
	exec(`INSERT INTO files(id, sha256, item_id, path, filename, last_modified) VALUES
		(1, 'sha1', 1, '/data/a.jpg', 'a.jpg', '2026-03-03T00:00:00Z'),
		(2, 'sha2', 2, '/data/b.png', 'b.png', '2026-03-02T00:00:00Z'),
		(3, 'sha3', 3, '/data/c.txt', 'c.txt', '2026-03-01T00:00:00Z')`)
	exec(`INSERT INTO setters(id, name) VALUES (1, 'tagger-v1')`)
	exec(`INSERT INTO tags(id, namespace, name) VALUES (1, 'general', 'cat')`)
	exec(`INSERT INTO tags_items(item_id, tag_id, setter_id, confidence) VALUES (1, 1, 1, 0.9)`)
	exec(`INSERT INTO item_data(id, item_id, setter_id, data_type, is_origin) VALUES (1, 3, 1, 'text-extracted', 1)`)
	exec(`INSERT INTO extracted_text(id, language, text, text_length) VALUES (1, 'en', 'hello world', 11)`)

	return db
}

func runQuery(t *testing.T, db *sqlx.DB, q pql.Query) []map[string]any {
	t.Helper()
	compiled, err := pql.Compile(q)
	require.NoError(t, err)

	rows, err := db.Queryx(compiled.SQL, compiled.Args...)
	require.NoError(t, err)
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		m := map[string]any{}
		require.NoError(t, rows.MapScan(m))
		out = append(out, m)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestCompileNoFilterReturnsAllFiles(t *testing.T) {
	db := seedDB(t)
	rows := runQuery(t, db, pql.Query{Entity: pql.EntityFile})
	require.Len(t, rows, 3)
}

func TestCompileEqualsFilter(t *testing.T) {
	db := seedDB(t)
	el, err := pql.ParseElement(mustJSON(t, map[string]any{
		"eq": map[string]any{"type": "image/png"},
	}))
	require.NoError(t, err)

	rows := runQuery(t, db, pql.Query{Entity: pql.EntityFile, Query: el})
	require.Len(t, rows, 1)
	require.Equal(t, "/data/b.png", rows[0]["path"])
}

func TestCompileAndOrNot(t *testing.T) {
	db := seedDB(t)

	jpg, err := pql.ParseElement(mustJSON(t, map[string]any{"in_paths": map[string]any{"in_paths": []string{"/data"}}}))
	require.NoError(t, err)
	png, err := pql.ParseElement(mustJSON(t, map[string]any{"eq": map[string]any{"type": "image/png"}}))
	require.NoError(t, err)
	notPng, err := pql.ParseElement(mustJSON(t, map[string]any{"not_": map[string]any{"eq": map[string]any{"type": "image/png"}}}))
	require.NoError(t, err)

	and := pql.And{Elements: []pql.QueryElement{jpg, notPng}}
	rows := runQuery(t, db, pql.Query{Entity: pql.EntityFile, Query: and})
	require.Len(t, rows, 2) // a.jpg and c.txt, not b.png

	// sanity: the union of png and not-png recovers the whole set
	allRows := runQuery(t, db, pql.Query{Entity: pql.EntityFile, Query: pql.Or{Elements: []pql.QueryElement{png, notPng}}})
	require.Len(t, allRows, 3)
}

func TestCompileTagFilter(t *testing.T) {
	db := seedDB(t)
	el, err := pql.ParseElement(mustJSON(t, map[string]any{
		"match_tags": map[string]any{"match_tags": map[string]any{"tags": []string{"cat"}}},
	}))
	require.NoError(t, err)

	rows := runQuery(t, db, pql.Query{Entity: pql.EntityFile, Query: el})
	require.Len(t, rows, 1)
	require.Equal(t, "/data/a.jpg", rows[0]["path"])
}

func TestCompileMatchTextRequiresTextEntity(t *testing.T) {
	el, err := pql.ParseElement(mustJSON(t, map[string]any{
		"match_text": map[string]any{"match_text": map[string]any{"match": "hello"}},
	}))
	require.NoError(t, err)

	_, err = pql.Compile(pql.Query{Entity: pql.EntityFile, Query: el})
	require.Error(t, err)
}

func TestCompileMatchTextOnTextEntity(t *testing.T) {
	db := seedDB(t)
	el, err := pql.ParseElement(mustJSON(t, map[string]any{
		"match_text": map[string]any{"match_text": map[string]any{"match": "hello"}},
	}))
	require.NoError(t, err)

	rows := runQuery(t, db, pql.Query{Entity: pql.EntityTextExtract, Query: el})
	require.Len(t, rows, 1)
	require.Equal(t, "/data/c.txt", rows[0]["path"])
}

func TestCompilePagination(t *testing.T) {
	db := seedDB(t)
	q := pql.Query{
		Entity:    pql.EntityFile,
		OrderArgs: []pql.OrderArgs{{OrderBy: "last_modified", Order: pql.Desc}},
		PageSize:  2,
		Page:      1,
	}
	page1 := runQuery(t, db, q)
	require.Len(t, page1, 2)
	require.Equal(t, "/data/a.jpg", page1[0]["path"])
	require.Equal(t, "/data/b.png", page1[1]["path"])

	q.Page = 2
	page2 := runQuery(t, db, q)
	require.Len(t, page2, 1)
	require.Equal(t, "/data/c.txt", page2[0]["path"])
}

func TestCompileCountMode(t *testing.T) {
	db := seedDB(t)
	compiled, err := pql.Compile(pql.Query{Entity: pql.EntityFile, Count: true})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.Get(&n, compiled.SQL, compiled.Args...))
	require.Equal(t, 3, n)
}

func TestCompileSemanticTextRowNWrapsRank(t *testing.T) {
	el, err := pql.ParseElement(mustJSON(t, map[string]any{
		"semantic_text": map[string]any{
			"semantic_text": map[string]any{
				"model":           "clip-v1",
				"query_embedding": "AAAA",
			},
			"row_n":           true,
			"row_n_direction": "asc",
		},
	}))
	require.NoError(t, err)

	compiled, err := pql.Compile(pql.Query{Entity: pql.EntityTextExtract, Query: el})
	require.NoError(t, err)
	require.Contains(t, compiled.SQL, "ROW_NUMBER() OVER (ORDER BY")
	require.Contains(t, compiled.SQL, "AS order_rank")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
