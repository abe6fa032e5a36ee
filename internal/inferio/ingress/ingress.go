// Package ingress is the Ingress (translates HTTP requests into Model
// Manager / Inference Host calls), per spec.md §4.4 and the bit-exact wire
// contract in §6.1.
package ingress

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/inferio/manager"
	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("inferio.ingress")

const defaultLRUSize = 1
const defaultTTLSeconds = -1

// Server wires MM and CR behind a gorilla/mux router, grounded directly on
// the teacher's own use of mux.Router in test/api_test.go for its HTTP
// surface.
type Server struct {
	mgr    *manager.Manager
	cfg    *config.Registry
	router *mux.Router
}

func New(mgr *manager.Manager, cfg *config.Registry) *Server {
	s := &Server{mgr: mgr, cfg: cfg, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/predict/{group}/{inference_id}", s.handlePredict).Methods(http.MethodPost)
	s.router.HandleFunc("/load/{group}/{inference_id}", s.handleLoad).Methods(http.MethodPut)
	s.router.HandleFunc("/cache/{cache_key}/{group}/{inference_id}", s.handleUnload).Methods(http.MethodDelete)
	s.router.HandleFunc("/cache/{cache_key}", s.handleClearCache).Methods(http.MethodDelete)
	s.router.HandleFunc("/cache/{cache_key}", s.handleGetCacheKey).Methods(http.MethodGet)
	s.router.HandleFunc("/cache", s.handleGetCache).Methods(http.MethodGet)
	s.router.HandleFunc("/metadata", s.handleMetadata).Methods(http.MethodGet)
}

func cacheParams(r *http.Request) (cacheKey string, lruSize int, ttlSeconds int) {
	q := r.URL.Query()
	cacheKey = q.Get("cache_key")
	if cacheKey == "" {
		cacheKey = "default"
	}
	lruSize = defaultLRUSize
	if v, err := strconv.Atoi(q.Get("lru_size")); err == nil {
		lruSize = v
	}
	ttlSeconds = defaultTTLSeconds
	if v, err := strconv.Atoi(q.Get("ttl_seconds")); err == nil {
		ttlSeconds = v
	}
	return
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger.Warnf("request error: %v", err)
	writeJSON(w, status, map[string]any{"status": status, "error": err.Error()})
}

func inferenceIDFromPath(r *http.Request) schema.InferenceId {
	vars := mux.Vars(r)
	return schema.NewInferenceId(vars["group"], vars["inference_id"])
}

// handleLoad is `PUT /load/{group}/{inference_id}`.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := inferenceIDFromPath(r)
	cacheKey, lruSize, ttl := cacheParams(r)

	if _, err := s.mgr.LoadModel(r.Context(), id, cacheKey, lruSize, ttl); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

// handleUnload is `DELETE /cache/{cache_key}/{group}/{inference_id}`.
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := schema.NewInferenceId(vars["group"], vars["inference_id"])
	if err := s.mgr.UnloadModel(r.Context(), vars["cache_key"], id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

// handleClearCache is `DELETE /cache/{cache_key}`.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	cacheKey := mux.Vars(r)["cache_key"]
	if err := s.mgr.ClearCache(r.Context(), cacheKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleGetCacheKey is `GET /cache/{cache_key}` → {expirations: {id: iso8601}}.
func (s *Server) handleGetCacheKey(w http.ResponseWriter, r *http.Request) {
	cacheKey := mux.Vars(r)["cache_key"]
	expirations := map[string]string{}
	for id, expiresAt := range s.mgr.GetTTLExpiration(cacheKey) {
		if schema.IsNever(expiresAt) {
			continue
		}
		expirations[id.String()] = expiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{"expirations": expirations})
}

// handleGetCache is `GET /cache` → {cache: {inference_id: [cache_key, …]}}.
// Each loaded id's cache keys come from the manager's CacheKeysFor.
func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	cache := map[string][]string{}
	for _, id := range s.mgr.ListLoadedModels() {
		cache[id.String()] = s.mgr.CacheKeysFor(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cache": cache})
}

// handleMetadata is `GET /metadata`.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Metadata())
}

// predictRequestBody is the `data` multipart field's JSON shape.
type predictRequestBody struct {
	Inputs []json.RawMessage `json:"inputs"`
}

// handlePredict is `POST /predict/{group}/{inference_id}`: parses the
// multipart request per §4.4/§6.1, loads the model, forwards to the host,
// and encodes the response.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	id := inferenceIDFromPath(r)
	cacheKey, lruSize, ttl := cacheParams(r)

	inputs, err := parsePredictRequest(r)
	if err != nil {
		logger.Warnf("predict %s: %s: parse request: %v", reqID, id, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h, err := s.mgr.LoadModel(r.Context(), id, cacheKey, lruSize, ttl)
	if err != nil {
		logger.Warnf("predict %s: %s: load model: %v", reqID, id, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outputs, err := h.PredictBatch(r.Context(), inputs)
	if err != nil {
		logger.Errorf("predict %s: %s: %v", reqID, id, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := encodePredictResponse(w, outputs); err != nil {
		logger.Errorf("predict %s: encode response: %v", reqID, err)
	}
}

// parsePredictRequest decodes the `data` JSON field and scatters `files`
// binary parts into their matching index, per §4.4: "filenames are decimal
// indices matching positions in the inputs array."
func parsePredictRequest(r *http.Request) ([]plugin.PredictionInput, error) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}

	dataField := r.FormValue("data")
	if dataField == "" {
		return nil, fmt.Errorf("missing required 'data' field")
	}
	var body predictRequestBody
	if err := json.Unmarshal([]byte(dataField), &body); err != nil {
		return nil, fmt.Errorf("decode 'data' field: %w", err)
	}

	inputs := make([]plugin.PredictionInput, len(body.Inputs))
	for i, raw := range body.Inputs {
		if string(raw) == "null" {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode inputs[%d]: %w", i, err)
		}
		inputs[i].Data = v
	}

	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				idx, err := strconv.Atoi(fh.Filename)
				if err != nil || idx < 0 || idx >= len(inputs) {
					return nil, fmt.Errorf("file part filename %q is not a valid input index", fh.Filename)
				}
				f, err := fh.Open()
				if err != nil {
					return nil, err
				}
				buf, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					return nil, err
				}
				inputs[idx].File = buf
			}
		}
	}
	return inputs, nil
}

// encodePredictResponse implements §4.4's three-way response contract.
func encodePredictResponse(w http.ResponseWriter, outputs []any) error {
	allBinary := len(outputs) > 0
	for _, o := range outputs {
		if _, ok := o.([]byte); !ok {
			allBinary = false
			break
		}
	}

	switch {
	case len(outputs) == 1 && allBinary:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(outputs[0].([]byte))
		return err

	case allBinary:
		return writeMultipartMixed(w, outputs)

	default:
		wrapped := make([]any, len(outputs))
		for i, o := range outputs {
			if b, ok := o.([]byte); ok {
				wrapped[i] = map[string]string{"__type__": "base64", "content": base64.StdEncoding.EncodeToString(b)}
			} else {
				wrapped[i] = o
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"outputs": wrapped})
		return nil
	}
}

func writeMultipartMixed(w http.ResponseWriter, outputs []any) error {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	w.WriteHeader(http.StatusOK)
	defer mw.Close()

	for i, o := range outputs {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Disposition": {fmt.Sprintf(`attachment; filename="output%d.bin"`, i)},
			"Content-Type":        {"application/octet-stream"},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(o.([]byte)); err != nil {
			return err
		}
	}
	return nil
}
