package pql

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// semanticArgs mirrors filters/sortable/text_embeddings.py's
// SemanticTextArgs, trimmed to the query-already-embedded path: the
// embedding pipeline (embedding a raw string query through the inference
// client) is the Extraction Engine's concern, not PC's, so this filter
// takes the query vector pre-embedded and base64-encoded.
type semanticArgs struct {
	Model                   string   `json:"model"`
	QueryEmbeddingB64       string   `json:"query_embedding"`
	Metric                  string   `json:"metric,omitempty"` // "l2" (default) or "cosine"
	Setters                 []string `json:"setters,omitempty"`
	Languages               []string `json:"languages,omitempty"`
	LanguageMinConfidence   *float64 `json:"language_min_confidence,omitempty"`
	MinConfidence           *float64 `json:"min_confidence,omitempty"`
	MinLength               *int     `json:"min_length,omitempty"`
	MaxLength               *int     `json:"max_length,omitempty"`
	DistanceAggregation     string   `json:"distance_aggregation,omitempty"` // MIN (default), MAX, AVG
	ConfidenceWeight        float64  `json:"confidence_weight,omitempty"`
	LanguageConfidenceWeight float64 `json:"language_confidence_weight,omitempty"`

	queryBlob []byte
}

// semanticFilter narrows to (and ranks by vector distance against) items
// with embeddings from a given model, per spec.md §4.8's "Vector search".
type semanticFilter struct {
	Args  semanticArgs `json:"semantic_text"`
	order OrderSpec
}

func init() {
	registerFilter("semantic_text", func(body json.RawMessage) (QueryElement, error) {
		var wire struct {
			SemanticText semanticArgs `json:"semantic_text"`
			OrderBy      bool         `json:"order_by,omitempty"`
			Direction    string       `json:"direction,omitempty"`
			Priority     int          `json:"priority,omitempty"`
			RowN         bool         `json:"row_n,omitempty"`
			RowNDir      string       `json:"row_n_direction,omitempty"`
			GT           any          `json:"gt,omitempty"`
			LT           any          `json:"lt,omitempty"`
			SelectAs     string       `json:"select_as,omitempty"`
		}
		wire.OrderBy = true // SemanticTextSearch defaults order_by=True
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, fmt.Errorf("pql: decode semantic_text: %w", err)
		}
		return &semanticFilter{
			Args: wire.SemanticText,
			order: OrderSpec{
				OrderBy:       wire.OrderBy,
				Direction:     OrderDirection(wire.Direction).orElse(Asc),
				Priority:      wire.Priority,
				RowN:          wire.RowN,
				RowNDirection: OrderDirection(wire.RowNDir).orElse(Asc),
				GT:            wire.GT,
				LT:            wire.LT,
				SelectAs:      wire.SelectAs,
			},
		}, nil
	})
}

func (f *semanticFilter) OrderSpec() OrderSpec { return f.order }

func (f *semanticFilter) Validate() (bool, error) {
	if f.Args.Model == "" || f.Args.QueryEmbeddingB64 == "" {
		return false, nil
	}
	blob, err := base64.StdEncoding.DecodeString(f.Args.QueryEmbeddingB64)
	if err != nil {
		return false, fmt.Errorf("pql: semantic_text query_embedding is not valid base64: %w", err)
	}
	f.Args.queryBlob = blob
	if f.Args.DistanceAggregation == "" {
		f.Args.DistanceAggregation = "MIN"
	}
	if f.Args.Metric == "" {
		f.Args.Metric = "l2"
	}
	return true, nil
}

func (f *semanticFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	where := sq.And{sq.Eq{"vec_setters.name": f.Args.Model}}
	if len(f.Args.Setters) > 0 {
		where = append(where, sq.Eq{"text_setters.name": f.Args.Setters})
	}
	if len(f.Args.Languages) > 0 {
		where = append(where, sq.Eq{"extracted_text.language": f.Args.Languages})
	}
	if f.Args.LanguageMinConfidence != nil {
		where = append(where, sq.GtOrEq{"extracted_text.language_confidence": *f.Args.LanguageMinConfidence})
	}
	if f.Args.MinConfidence != nil {
		where = append(where, sq.GtOrEq{"extracted_text.confidence": *f.Args.MinConfidence})
	}
	if f.Args.MinLength != nil {
		where = append(where, sq.GtOrEq{"extracted_text.text_length": *f.Args.MinLength})
	}
	if f.Args.MaxLength != nil {
		where = append(where, sq.LtOrEq{"extracted_text.text_length": *f.Args.MaxLength})
	}

	distanceExpr := fmt.Sprintf("pql_vec_distance(embeddings.embedding, ?, %s)", sqlLiteral(f.Args.Metric))
	rank := deriveRank(f.order, f.rankExpr(distanceExpr))

	std := st.stdCols(ctx)
	groupCols := make([]string, len(std))
	selCols := make([]string, len(std))
	for i, c := range std {
		groupCols[i] = ctx.name + "." + c
		selCols[i] = ctx.name + "." + c + " AS " + c
	}

	sel := sq.Select(append(append([]string{}, selCols...), rank+" AS order_rank")...).
		From(ctx.name).
		Join("item_data vec_id ON vec_id.item_id = " + ctx.name + ".item_id AND vec_id.data_type = 'text-embedding'").
		Join("embeddings ON embeddings.id = vec_id.id").
		Join("setters vec_setters ON vec_setters.id = vec_id.setter_id").
		LeftJoin("item_data src_id ON src_id.id = vec_id.source_id").
		LeftJoin("extracted_text ON extracted_text.id = src_id.id").
		LeftJoin("setters text_setters ON text_setters.id = src_id.setter_id").
		Where(where).
		GroupBy(groupCols...)

	// The distance expression's "?" placeholder for the query vector must
	// be bound once per occurrence in rank; squirrel counts placeholders
	// left to right, so the blob arg is interleaved at the position the
	// expression appears (rank may reference distanceExpr once or, for
	// confidence weighting, effectively once inside a SUM(...)/SUM(...)
	// pair that both still multiply the same single distance column per
	// row, so exactly one bind is needed).
	body, args, err := sel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	args = insertBlobArg(body, distanceExpr, f.Args.queryBlob, args)
	st.args = append(st.args, args...)

	return st.finishSortable("semantic_text", body, ctx, f.order, ctx.hasDataID), nil
}

// rankExpr builds the aggregated distance expression per spec.md §4.8's
// "Per-item aggregation ... is MIN/MAX/AVG or a confidence-weighted sum:
// distance = Σ(d·w)/Σw with w = conf^α · lang_conf^β", mirroring
// text_embeddings.py's rank_column construction.
func (f *semanticFilter) rankExpr(distanceExpr string) string {
	hasConf := f.Args.ConfidenceWeight != 0
	hasLang := f.Args.LanguageConfidenceWeight != 0
	if !hasConf && !hasLang {
		return fmt.Sprintf("%s(%s)", strings.ToUpper(f.Args.DistanceAggregation), distanceExpr)
	}
	confW := fmt.Sprintf("POWER(COALESCE(extracted_text.confidence, 1), %s)", sqlLiteral(f.Args.ConfidenceWeight))
	langW := fmt.Sprintf("POWER(COALESCE(extracted_text.language_confidence, 1), %s)", sqlLiteral(f.Args.LanguageConfidenceWeight))
	var weights string
	switch {
	case hasConf && hasLang:
		weights = confW + " * " + langW
	case hasConf:
		weights = confW
	default:
		weights = langW
	}
	return fmt.Sprintf("SUM(%s * (%s)) / SUM(%s)", distanceExpr, weights, weights)
}

// insertBlobArg re-derives how many times distanceExpr's "?" placeholder
// appears in body and duplicates the blob argument that many times at the
// position it was generated (squirrel emitted a bare "?" for it already,
// counted among args in source order — but the literal blob itself was
// never passed to ToSql, since it lives inside a raw string column
// expression rather than a Where clause). Because distanceExpr is spliced
// into the SELECT column list verbatim (not through a placeholder-aware
// builder), its "?" is the very first one encountered in the rendered
// SQL; the WHERE clause's own bound args (setter name, language list...)
// come after it in clause order but squirrel still lists Select-before-
// Where, so the blob is prepended once per distanceExpr occurrence.
func insertBlobArg(body, distanceExpr string, blob []byte, whereArgs []any) []any {
	n := strings.Count(body, "pql_vec_distance(embeddings.embedding, ?,")
	blobs := make([]any, n)
	for i := range blobs {
		blobs[i] = blob
	}
	return append(blobs, whereArgs...)
}
