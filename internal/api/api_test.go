package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/internal/api"
	"github.com/reasv/panoptikon-go/internal/jobs"
	"github.com/reasv/panoptikon-go/internal/search"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

func seedIndex(t *testing.T) *sqlx.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.Open(filepath.Join(dir, "index.db"), false)
	require.NoError(t, err)
	require.NoError(t, repository.InitSchema(db))
	t.Cleanup(func() { db.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("data"), 0o644))
	_, err = db.Exec(`INSERT INTO items(id, sha256, type, time_added) VALUES (1, 'sha1', 'image/jpeg', '2026-01-01')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files(id, sha256, item_id, path, filename, last_modified, available) VALUES
		(1, 'sha1', 1, ?, 'a.jpg', '2026-03-01T00:00:00Z', 1)`, filepath.Join(dir, "a.jpg"))
	require.NoError(t, err)
	return db
}

func newServer(t *testing.T) *api.Server {
	db := seedIndex(t)
	jm := jobs.New("/bin/true", nil)
	indexes := map[string]*search.Runner{
		"main": search.New(db, &repository.ItemRepository{DB: db}),
	}
	return api.New(jm, indexes)
}

func doJSON(t *testing.T, s *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndQueueStatus(t *testing.T) {
	s := newServer(t)

	rec := doJSON(t, s, http.MethodPost, "/jobs", schema.Job{
		JobType:  schema.JobDataExtraction,
		TargetDB: "main",
		Metadata: "tagging/wd-v3",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var enqueued map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqueued))
	require.Equal(t, int64(1), enqueued["queue_id"])

	rec = doJSON(t, s, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status []schema.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status, 1)
	require.Equal(t, "tagging/wd-v3", status[0].Metadata)
}

func TestEnqueueRejectsUnknownJobType(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/jobs", schema.Job{JobType: "nonsense", TargetDB: "main"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	s := newServer(t)
	doJSON(t, s, http.MethodPost, "/jobs", schema.Job{JobType: schema.JobFolderRescan, TargetDB: "main"})

	rec := doJSON(t, s, http.MethodPost, "/jobs/cancel", map[string][]int64{"queue_ids": {1}})
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string][]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, []int64{1}, out["cancelled"])

	rec = doJSON(t, s, http.MethodGet, "/jobs", nil)
	var status []schema.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Empty(t, status)
}

func TestSearchUnknownIndex(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/search/nope", map[string]any{"entity": "file"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchKnownIndex(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/search/main", map[string]any{"entity": "file", "page_size": 10})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		TotalCount int `json:"total_count"`
		Results    []struct {
			SHA256 string `json:"sha256"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Results, 1)
	require.Equal(t, "sha1", result.Results[0].SHA256)
}
