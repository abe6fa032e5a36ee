package ingress

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/inferio/manager"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00.toml"), []byte(`
[groups.g.inference_ids.echo]
config = { impl_class = "echo" }
metadata = { output_type = "text", target_entities = ["items"] }
`), 0o644))
	cfg := config.New(dir, "")
	require.NoError(t, cfg.Load())
	mgr := manager.New(cfg)
	return New(mgr, cfg)
}

func multipartPredictBody(t *testing.T, inputs []any) (body bytes.Buffer, contentType string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	payload, err := json.Marshal(map[string]any{"inputs": inputs})
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("data", string(payload)))
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestPredictEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	body, ct := multipartPredictBody(t, []any{"a", "b"})

	req := httptest.NewRequest(http.MethodPost, "/predict/g/echo?cache_key=c&lru_size=1&ttl_seconds=60", &body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Outputs []string `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, []string{"a", "b"}, out.Outputs)
}

func TestLoadThenGetCacheListsInferenceID(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/load/g/echo?cache_key=c&lru_size=1&ttl_seconds=60", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cache", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Cache map[string][]string `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, []string{"c"}, out.Cache["g/echo"])
}

func TestUnloadAndClearCache(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/load/g/echo?cache_key=c&lru_size=1&ttl_seconds=60", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/cache/c/g/echo", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cache", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var out struct {
		Cache map[string][]string `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Empty(t, out.Cache)
}

func TestMetadataEndpoint(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metadata", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "echo")
}
