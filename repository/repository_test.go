package repository

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/schema"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, InitSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureItemIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	items := &ItemRepository{DB: db}

	now := time.Now()
	id1, err := items.EnsureItem(schema.Item{SHA256: "abc", Type: "image"}, now)
	require.NoError(t, err)
	id2, err := items.EnsureItem(schema.Item{SHA256: "abc", Type: "image"}, now)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestFindBySha256OrPathFallsBackToPath(t *testing.T) {
	db := openTestDB(t)
	items := &ItemRepository{DB: db}

	now := time.Now()
	itemID, err := items.EnsureItem(schema.Item{SHA256: "abc", Type: "image"}, now)
	require.NoError(t, err)
	_, err = items.UpsertFile(schema.File{SHA256: "abc", ItemID: itemID, Path: "/a/b.png", Filename: "b.png", LastModified: now.Format(time.RFC3339)}, 1)
	require.NoError(t, err)

	f, err := items.FindBySha256OrPath("", "/a/b.png")
	require.NoError(t, err)
	require.Equal(t, "abc", f.SHA256)

	f, err = items.FindBySha256OrPath("abc", "")
	require.NoError(t, err)
	require.Equal(t, "/a/b.png", f.Path)

	_, err = items.FindBySha256OrPath("nope", "/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkUnavailableExceptScan(t *testing.T) {
	db := openTestDB(t)
	items := &ItemRepository{DB: db}
	now := time.Now()

	itemID, err := items.EnsureItem(schema.Item{SHA256: "abc", Type: "image"}, now)
	require.NoError(t, err)
	_, err = items.UpsertFile(schema.File{SHA256: "abc", ItemID: itemID, Path: "/a/old.png", Filename: "old.png", LastModified: now.Format(time.RFC3339)}, 1)
	require.NoError(t, err)

	n, err := items.MarkUnavailableExceptScan("/a/", 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = items.FindBySha256OrPath("abc", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestItemDataPlaceholderAndOutputRoundtrip(t *testing.T) {
	db := openTestDB(t)
	items := &ItemRepository{DB: db}
	setters := &SetterRepository{DB: db}
	itemData := &ItemDataRepository{DB: db}
	now := time.Now()

	itemID, err := items.EnsureItem(schema.Item{SHA256: "abc", Type: "text"}, now)
	require.NoError(t, err)
	setterID, err := setters.EnsureSetter("tagger.v1")
	require.NoError(t, err)
	jobID, _, err := (&DataJobRepository{DB: db}).Start("tagger.v1", now)
	require.NoError(t, err)

	processed, err := itemData.HasBeenProcessed(itemID, setterID, "tags")
	require.NoError(t, err)
	require.False(t, processed)

	_, err = itemData.InsertPlaceholder(jobID, itemID, setterID, "tags")
	require.NoError(t, err)

	processed, err = itemData.HasBeenProcessed(itemID, setterID, "tags")
	require.NoError(t, err)
	require.True(t, processed)

	dataID, err := itemData.InsertOutput(jobID, itemID, setterID, "text", 0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, itemData.InsertExtractedText(dataID, schema.ExtractedText{Text: "hello", Language: "en"}))
}

func TestDataJobLifecycle(t *testing.T) {
	db := openTestDB(t)
	jobs := &DataJobRepository{DB: db}
	now := time.Now()

	jobID, logID, err := jobs.Start("tagger.v1", now)
	require.NoError(t, err)

	require.NoError(t, jobs.UpdateProgress(logID, schema.DataLog{ItemsProcessed: 3, ItemsRemaining: 7}))
	require.NoError(t, jobs.Finish(jobID, logID, schema.DataLog{ItemsProcessed: 10}, now.Add(time.Minute)))

	dj, err := jobs.Get(jobID)
	require.NoError(t, err)
	require.True(t, dj.Completed)

	// RemoveIncomplete keeps the completed job and drops an unfinished one.
	require.NoError(t, jobs.RemoveIncomplete("tagger.v1"))
	dj, err = jobs.Get(jobID)
	require.NoError(t, err)
	require.True(t, dj.Completed)

	staleID, _, err := jobs.Start("tagger.v1", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, jobs.RemoveIncomplete("tagger.v1"))
	_, err = jobs.Get(staleID)
	require.ErrorIs(t, err, ErrNotFound)
}
