package extraction

import (
	"context"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

// FileBytesInputHandler reads the row's file off disk, the input shape
// item-level models (captioners, taggers, CLIP image embedders) consume.
// Ported from the item-targeted data handlers' common "read the file,
// hand bytes to the model" shape.
func FileBytesInputHandler(ctx context.Context, db *sqlx.DB, row schema.SearchResult) ([]plugin.PredictionInput, error) {
	data, err := os.ReadFile(row.Path)
	if err != nil {
		return nil, err
	}
	return []plugin.PredictionInput{{File: data}}, nil
}

// TextInputHandler feeds the discovered extracted_text row's text to a
// text-targeted model (e.g. a text embedder); it requires a text-entity
// discovery query so row.Extra["text"] is populated. A row whose text is
// empty yields zero work units, per InputHandler's never-placeholder-mark
// contract for empty extraction_job.py outputs.
func TextInputHandler(ctx context.Context, db *sqlx.DB, row schema.SearchResult) ([]plugin.PredictionInput, error) {
	text, _ := row.Extra["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []plugin.PredictionInput{{Data: map[string]any{"text": text}}}, nil
}

// TextOutputHandler persists each output as an extracted_text row, the
// output_type="text" handler (captioning/OCR models). Each output element
// is expected to be a map carrying at least "text", and optionally
// "language"/"language_confidence"/"confidence". Outputs with no "text" (or
// a blank one) are skipped, not written as empty rows.
func TextOutputHandler(items *repository.ItemDataRepository, jobID, setterID int64, row schema.SearchResult, outputs []any) (int, error) {
	written := 0
	for idx, out := range outputs {
		m, _ := out.(map[string]any)
		if m == nil {
			continue
		}
		text, _ := m["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		lang, _ := m["language"].(string)
		langConf, _ := asFloat(m["language_confidence"])
		conf, _ := asFloat(m["confidence"])

		dataID, err := items.InsertOutput(jobID, row.ItemID, setterID, string(schema.OutputText), idx, nil, nil)
		if err != nil {
			return written, err
		}
		if err := items.InsertExtractedText(dataID, schema.ExtractedText{
			Language:           lang,
			LanguageConfidence: langConf,
			Confidence:         conf,
			Text:               text,
		}); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// EmbeddingOutputHandler builds an output_type=dataType handler (text-
// embedding or clip) that encodes each output vector via
// repository.EncodeF32Blob. When row.DataID is set (a text-entity
// discovery row), each embedding row's source_id links back to the
// extracted_text row it was computed from, the DAG edge
// text_embeddings.py's handle_text_embeddings records via src_data_id.
func EmbeddingOutputHandler(dataType string) OutputHandler {
	return func(items *repository.ItemDataRepository, jobID, setterID int64, row schema.SearchResult, outputs []any) (int, error) {
		written := 0
		for idx, out := range outputs {
			vec, ok := asFloat32Slice(out)
			if !ok || len(vec) == 0 {
				continue
			}
			dataID, err := items.InsertOutput(jobID, row.ItemID, setterID, dataType, idx, row.DataID, nil)
			if err != nil {
				return written, err
			}
			if err := items.InsertEmbedding(dataID, repository.EncodeF32Blob(vec)); err != nil {
				return written, err
			}
			written++
		}
		return written, nil
	}
}

// TagsOutputHandler persists tag assignments above threshold for an
// output_type=tags model. It expects outputs[0] to be a map of
// "namespace:name" (or bare "name", defaulting to the "tags" namespace) to
// a confidence score. A single anchor item_data row marks the item
// processed by this setter; individual tags_items rows carry the per-tag
// confidence, since tags_items has no FK back to item_data.
func TagsOutputHandler(threshold float64) OutputHandler {
	return func(items *repository.ItemDataRepository, jobID, setterID int64, row schema.SearchResult, outputs []any) (int, error) {
		if len(outputs) == 0 {
			return 0, nil
		}
		scores, _ := outputs[0].(map[string]any)
		written := 0
		for key, v := range scores {
			conf, ok := asFloat(v)
			if !ok || conf < threshold {
				continue
			}
			namespace, name := splitTagKey(key)
			if err := items.InsertTag(row.ItemID, setterID, namespace, name, conf); err != nil {
				return written, err
			}
			written++
		}
		if written > 0 {
			if _, err := items.InsertOutput(jobID, row.ItemID, setterID, string(schema.OutputTags), 0, nil, nil); err != nil {
				return written, err
			}
		}
		return written, nil
	}
}

func splitTagKey(key string) (namespace, name string) {
	if ns, n, found := strings.Cut(key, ":"); found {
		return ns, n
	}
	return "tags", key
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asFloat32Slice(v any) ([]float32, bool) {
	switch s := v.(type) {
	case []float32:
		return s, true
	case []float64:
		out := make([]float32, len(s))
		for i, f := range s {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, len(s))
		for i, e := range s {
			f, ok := asFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	default:
		return nil, false
	}
}
