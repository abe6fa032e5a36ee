package pql

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// matchTextArgs mirrors filters/sortable/extracted_text.py's MatchTextArgs,
// trimmed to the fields this port implements.
type matchTextArgs struct {
	Match              string   `json:"match"`
	FilterOnly         bool     `json:"filter_only,omitempty"`
	Setters            []string `json:"setters,omitempty"`
	Languages          []string `json:"languages,omitempty"`
	MinLanguageConf    *float64 `json:"min_language_confidence,omitempty"`
	MinConfidence      *float64 `json:"min_confidence,omitempty"`
	MinLength          *int     `json:"min_length,omitempty"`
	MaxLength          *int     `json:"max_length,omitempty"`
	RawFTS5Match       bool     `json:"raw_fts5_match"`
	SelectSnippetAs    string   `json:"select_snippet_as,omitempty"`
	SnippetMaxTokens   int      `json:"s_max_len,omitempty"`
	SnippetEllipsis    string   `json:"s_ellipsis,omitempty"`
	SnippetStartTag    string   `json:"s_start_tag,omitempty"`
	SnippetEndTag      string   `json:"s_end_tag,omitempty"`
}

// matchTextFilter narrows to (and ranks by FTS5 bm25 relevance) rows whose
// extracted_text matches an FTS5 query. Ported from filters/sortable/
// extracted_text.py's MatchText.
type matchTextFilter struct {
	Args  matchTextArgs `json:"match_text"`
	order OrderSpec
}

func init() {
	registerFilter("match_text", func(body json.RawMessage) (QueryElement, error) {
		var wire struct {
			MatchText matchTextArgs `json:"match_text"`
			OrderBy   bool          `json:"order_by,omitempty"`
			Direction string        `json:"direction,omitempty"`
			Priority  int           `json:"priority,omitempty"`
			RowN      bool          `json:"row_n,omitempty"`
			RowNDir   string        `json:"row_n_direction,omitempty"`
			GT        any           `json:"gt,omitempty"`
			LT        any           `json:"lt,omitempty"`
			SelectAs  string        `json:"select_as,omitempty"`
		}
		wire.MatchText.RawFTS5Match = true
		wire.MatchText.SnippetMaxTokens = 30
		wire.MatchText.SnippetEllipsis = "..."
		wire.MatchText.SnippetStartTag = "<b>"
		wire.MatchText.SnippetEndTag = "</b>"
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, fmt.Errorf("pql: decode match_text: %w", err)
		}
		return &matchTextFilter{
			Args: wire.MatchText,
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

func (f *matchTextFilter) OrderSpec() OrderSpec { return f.order }

func (f *matchTextFilter) Validate() (bool, error) {
	if !f.Args.FilterOnly && strings.TrimSpace(f.Args.Match) == "" {
		return false, nil
	}
	if f.Args.FilterOnly {
		f.Args.SelectSnippetAs = ""
		f.order.OrderBy = false
		f.order.SelectAs = ""
		f.order.RowN = false
		f.Args.Match = ""
	} else if !f.Args.RawFTS5Match {
		f.Args.Match = parseAndEscapeQuery(f.Args.Match)
	}
	return true, nil
}

func (f *matchTextFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	if !st.isTextCtx {
		return cteRef{}, compileErrorf("match_text requires a text-entity query (entity=text-extracted)")
	}

	where := sq.And{}
	if f.Args.Match != "" {
		where = append(where, sq.Expr("extracted_text_fts.text MATCH ?", f.Args.Match))
	}
	if len(f.Args.Setters) > 0 {
		where = append(where, sq.Eq{"setters.name": f.Args.Setters})
	}
	if len(f.Args.Languages) > 0 {
		where = append(where, sq.Eq{"extracted_text.language": f.Args.Languages})
	}
	if f.Args.MinLanguageConf != nil {
		where = append(where, sq.GtOrEq{"extracted_text.language_confidence": *f.Args.MinLanguageConf})
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

	if f.Args.SelectSnippetAs == "" {
		sel := sq.Select(st.stdColsQualified(ctx)+", "+deriveRank(f.order, "extracted_text_fts.rank")+" AS order_rank").
			From(ctx.name).
			Join("item_data ON item_data.id = " + ctx.name + ".data_id").
			Join("setters ON setters.id = item_data.setter_id").
			Join("extracted_text ON extracted_text.id = item_data.id").
			Join("extracted_text_fts ON extracted_text_fts.rowid = extracted_text.id")
		if len(where) > 0 {
			sel = sel.Where(where)
		}
		body, args, err := sel.PlaceholderFormat(sq.Question).ToSql()
		if err != nil {
			return cteRef{}, err
		}
		st.args = append(st.args, args...)
		return st.finishSortable("match_text", body, ctx, f.order, true), nil
	}

	// Two-CTE snippet pattern (spec.md §4.8's "Text FTS"): snippet() and
	// ROW_NUMBER() cannot coexist in one SELECT on SQLite's FTS5, so a
	// first CTE computes the snippet alongside the rank, and a second
	// applies ROW_NUMBER()/rn=1 to pick the single best-ranked row per file.
	snippetExpr := fmt.Sprintf(
		"snippet(extracted_text_fts, 0, %s, %s, %s, %d) AS snippet_text",
		sqlLiteral(f.Args.SnippetStartTag), sqlLiteral(f.Args.SnippetEndTag),
		sqlLiteral(f.Args.SnippetEllipsis), f.Args.SnippetMaxTokens)

	snippetSel := sq.Select(st.stdColsQualified(ctx)+", extracted_text_fts.rank AS rank_col, "+snippetExpr).
		From(ctx.name).
		Join("item_data ON item_data.id = " + ctx.name + ".data_id").
		Join("setters ON setters.id = item_data.setter_id").
		Join("extracted_text ON extracted_text.id = item_data.id").
		Join("extracted_text_fts ON extracted_text_fts.rowid = extracted_text.id")
	if len(where) > 0 {
		snippetSel = snippetSel.Where(where)
	}
	snippetBody, snippetArgs, err := snippetSel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, snippetArgs...)
	snippetName := st.nextName("snippet")
	st.ctes = append(st.ctes, snippetName+" AS ("+snippetBody+")")

	rownumSel := sq.Select(
		st.stdColsQualified2(snippetName, st.stdCols(ctx)) +
			", snippet_text, " + deriveRank(f.order, "rank_col") + " AS order_rank, " +
			"ROW_NUMBER() OVER (PARTITION BY file_id ORDER BY rank_col ASC) AS rn").
		From(snippetName)

	rownumBody, rownumArgs, err := rownumSel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, rownumArgs...)
	rownumName := st.nextName("snippet_rn")
	st.ctes = append(st.ctes, rownumName+" AS ("+rownumBody+")")

	final := sq.Select(st.stdColsQualified2(rownumName, st.stdCols(ctx))+", snippet_text, order_rank").
		From(rownumName).
		Where(sq.Eq{"rn": 1})
	finalBody, finalArgs, err := final.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, finalArgs...)

	result := st.finishSortable("match_text_snippet", finalBody, ctx, f.order, true)
	st.extras = append(st.extras, extraColumn{cteName: result.name, column: "snippet_text", alias: f.Args.SelectSnippetAs})
	return result, nil
}

// stdColsQualified2 qualifies a plain column list against an arbitrary CTE
// name (used once a value has already passed through an intermediate CTE
// whose columns are not prefixed via stdColsQualified's ctx receiver).
func (st *compileState) stdColsQualified2(cteName string, cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += cteName + "." + c + " AS " + c
	}
	return out
}

// parseAndEscapeQuery quotes each whitespace-separated token of a raw
// user search string so it is matched literally by FTS5 MATCH, porting
// pql/utils.py's parse_and_escape_query (shlex tokenizing plus doubled-
// quote escaping) without pulling in a shell-lexer dependency: FTS5 query
// syntax only needs per-token double-quote doubling.
func parseAndEscapeQuery(input string) string {
	fields := whitespaceRE.Split(strings.TrimSpace(input), -1)
	var b strings.Builder
	for i, tok := range fields {
		if tok == "" {
			continue
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(tok, `"`, `""`))
		b.WriteByte('"')
	}
	return b.String()
}

var whitespaceRE = regexp.MustCompile(`\s+`)
