package extraction_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/internal/extraction"
	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

// fakePredictor lets tests script exactly what internal/inferio/client.Client
// would have returned, without standing up real HTTP endpoints.
type fakePredictor struct {
	calls int
	fn    func(inputs []plugin.PredictionInput) ([]any, error)
}

func (f *fakePredictor) Predict(ctx context.Context, id schema.InferenceId, cacheKey string, lruSize, ttlSeconds int, inputs []plugin.PredictionInput) ([]any, error) {
	f.calls++
	return f.fn(inputs)
}

func seedTextExtractedItems(t *testing.T, db *sqlx.DB) {
	t.Helper()
	dir := t.TempDir()
	exec := func(q string, args ...any) {
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}
	now := time.Now().Format(time.RFC3339)
	exec(`INSERT INTO items(id, sha256, type, time_added) VALUES
		(1, 'sha1', 'image/jpeg', ?), (2, 'sha2', 'image/jpeg', ?), (3, 'sha3', 'image/jpeg', ?)`, now, now, now)
	exec(`INSERT INTO files(id, sha256, item_id, path, filename, last_modified) VALUES
		(1, 'sha1', 1, ?, 'a.jpg', ?),
		(2, 'sha2', 2, ?, 'b.jpg', ?),
		(3, 'sha3', 3, ?, 'c.jpg', ?)`,
		filepath.Join(dir, "a.jpg"), now, filepath.Join(dir, "b.jpg"), now, filepath.Join(dir, "c.jpg"), now)
	exec(`INSERT INTO setters(id, name) VALUES (1, 'ocr-v1')`)
	exec(`INSERT INTO item_data(id, item_id, setter_id, data_type, is_origin) VALUES
		(1, 1, 1, 'text-extracted', 1), (2, 2, 1, 'text-extracted', 1), (3, 3, 1, 'text-extracted', 1)`)
	exec(`INSERT INTO extracted_text(id, language, text, text_length) VALUES
		(1, 'en', 'alpha', 5), (2, 'en', '', 0), (3, 'en', 'beta', 4)`)
}

func newEngine(db *sqlx.DB, predictor extraction.Predictor) *extraction.Engine {
	return &extraction.Engine{
		DB:        db,
		DataJobs:  &repository.DataJobRepository{DB: db},
		Setters:   &repository.SetterRepository{DB: db},
		Predictor: predictor,
	}
}

func TestRunEmbedsTextSkipsBlankAndExcludesReprocessed(t *testing.T) {
	db, err := repository.Open(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, repository.InitSchema(db))
	t.Cleanup(func() { db.Close() })
	seedTextExtractedItems(t, db)

	predictor := &fakePredictor{fn: func(inputs []plugin.PredictionInput) ([]any, error) {
		out := make([]any, len(inputs))
		for i := range inputs {
			out[i] = []any{1.0, 2.0, 3.0}
		}
		return out, nil
	}}
	e := newEngine(db, predictor)

	opts := extraction.Options{
		ID:         schema.NewInferenceId("embed", "v1"),
		SetterName: "embedder-v1",
		DataType:   string(schema.OutputTextEmbedding),
		BatchSize:  2,
		Entity:     "text-extracted",
		Input:      extraction.TextInputHandler,
		Output:     extraction.EmbeddingOutputHandler(string(schema.OutputTextEmbedding)),
	}

	dl, err := e.Run(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, dl.Completed)
	// item 2's blank text yields zero work units: only 2 of 3 rows processed.
	require.Equal(t, 2, dl.ItemsProcessed)
	require.Equal(t, 0, dl.ItemsFailed)
	require.Equal(t, 1, predictor.calls)

	var embeddingRows int
	require.NoError(t, db.Get(&embeddingRows, `SELECT count(*) FROM embeddings`))
	require.Equal(t, 2, embeddingRows)

	var placeholders int
	require.NoError(t, db.Get(&placeholders, `SELECT count(*) FROM item_data WHERE is_placeholder = 1`))
	require.Equal(t, 0, placeholders)

	// item 2 was never sent to inference, so it must not carry ANY item_data
	// row for this setter (not even a placeholder).
	var item2Rows int
	require.NoError(t, db.Get(&item2Rows, `
		SELECT count(*) FROM item_data id JOIN setters s ON s.id = id.setter_id
		WHERE id.item_id = 2 AND s.name = 'embedder-v1'`))
	require.Equal(t, 0, item2Rows)

	// Re-running with the same setter finds nothing left to do: the
	// has_data_from exclusion and the blank-text skip both hold.
	dl2, err := e.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 0, dl2.ItemsProcessed)
	require.Equal(t, 0, dl2.ItemsRemaining)
}

func TestRunPlaceholdersItemsSentToInferenceWithNoOutput(t *testing.T) {
	db, err := repository.Open(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, repository.InitSchema(db))
	t.Cleanup(func() { db.Close() })
	seedTextExtractedItems(t, db)

	predictor := &fakePredictor{fn: func(inputs []plugin.PredictionInput) ([]any, error) {
		// Every item that reaches inference produces zero usable vectors.
		out := make([]any, len(inputs))
		for i := range inputs {
			out[i] = nil
		}
		return out, nil
	}}
	e := newEngine(db, predictor)

	opts := extraction.Options{
		ID:         schema.NewInferenceId("embed", "v1"),
		SetterName: "embedder-v1",
		DataType:   string(schema.OutputTextEmbedding),
		BatchSize:  10,
		Entity:     "text-extracted",
		Input:      extraction.TextInputHandler,
		Output:     extraction.EmbeddingOutputHandler(string(schema.OutputTextEmbedding)),
	}

	dl, err := e.Run(context.Background(), opts)
	require.NoError(t, err)
	// items 1 and 3 (non-blank text) were sent to inference and placeholder-marked.
	require.Equal(t, 2, dl.ItemsProcessed)

	var placeholders int
	require.NoError(t, db.Get(&placeholders, `SELECT count(*) FROM item_data WHERE is_placeholder = 1`))
	require.Equal(t, 2, placeholders)
}

func TestRunTagsOutputHandlerRespectsThreshold(t *testing.T) {
	db, err := repository.Open(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, repository.InitSchema(db))
	t.Cleanup(func() { db.Close() })
	seedTextExtractedItems(t, db)

	predictor := &fakePredictor{fn: func(inputs []plugin.PredictionInput) ([]any, error) {
		out := make([]any, len(inputs))
		for i := range inputs {
			out[i] = map[string]any{"general:cat": 0.9, "general:dog": 0.1}
		}
		return out, nil
	}}
	e := newEngine(db, predictor)

	opts := extraction.Options{
		ID:         schema.NewInferenceId("tagger", "v1"),
		SetterName: "tagger-v1",
		DataType:   string(schema.OutputTags),
		BatchSize:  10,
		Entity:     "text-extracted",
		Input:      extraction.TextInputHandler,
		Output:     extraction.TagsOutputHandler(0.5),
	}

	dl, err := e.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 2, dl.ItemsProcessed)

	var tagCount int
	require.NoError(t, db.Get(&tagCount, `SELECT count(*) FROM tags_items`))
	require.Equal(t, 2, tagCount) // one "cat" tag per processed item, "dog" below threshold
}
