package pql

import (
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// tagFilter narrows to items tagged with some/all of a list of tags,
// ranked by average confidence across the matched tags_items rows.
// Ported from filters/sortable/tags.py's MatchTags, simplified for a
// tags_items schema keyed (item_id, tag_id, setter_id) rather than the
// Python schema's per-assignment item_data rows.
type tagFilter struct {
	Tags              []string `json:"tags"`
	MatchAny          bool     `json:"match_any,omitempty"`
	MinConfidence     float64  `json:"min_confidence,omitempty"`
	Setters           []string `json:"setters,omitempty"`
	Namespaces        []string `json:"namespaces,omitempty"`
	AllSettersRequired bool    `json:"all_setters_required,omitempty"`

	order OrderSpec
}

func init() {
	registerFilter("match_tags", func(body json.RawMessage) (QueryElement, error) {
		var wire struct {
			MatchTags tagFilter `json:"match_tags"`
			OrderBy   bool      `json:"order_by,omitempty"`
			Direction string    `json:"direction,omitempty"`
			Priority  int       `json:"priority,omitempty"`
			RowN      bool      `json:"row_n,omitempty"`
			RowNDir   string    `json:"row_n_direction,omitempty"`
			GT        any       `json:"gt,omitempty"`
			LT        any       `json:"lt,omitempty"`
			SelectAs  string    `json:"select_as,omitempty"`
		}
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, fmt.Errorf("pql: decode match_tags: %w", err)
		}
		f := wire.MatchTags
		f.order = OrderSpec{
			OrderBy:       wire.OrderBy,
			Direction:     OrderDirection(wire.Direction).orElse(Desc),
			Priority:      wire.Priority,
			RowN:          wire.RowN,
			RowNDirection: OrderDirection(wire.RowNDir).orElse(Desc),
			GT:            wire.GT,
			LT:            wire.LT,
			SelectAs:      wire.SelectAs,
		}
		return &f, nil
	})
}

func (f *tagFilter) OrderSpec() OrderSpec { return f.order }

func (f *tagFilter) Validate() (bool, error) {
	if len(f.Tags) == 0 {
		return false, nil
	}
	if f.AllSettersRequired && len(f.Setters) == 0 {
		f.AllSettersRequired = false
	}
	return true, nil
}

func (f *tagFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	std := st.stdCols(ctx)

	where := sq.And{sq.Eq{"tags.name": f.Tags}}
	if f.MinConfidence > 0 {
		where = append(where, sq.GtOrEq{"tags_items.confidence": f.MinConfidence})
	}
	if len(f.Setters) > 0 {
		where = append(where, sq.Eq{"setters.name": f.Setters})
	}
	if len(f.Namespaces) > 0 {
		or := sq.Or{}
		for _, ns := range f.Namespaces {
			or = append(or, sq.Expr("tags.namespace LIKE ? ESCAPE '\\'", escapeLike(ns)+"%"))
		}
		where = append(where, or)
	}

	having := fmt.Sprintf("COUNT(DISTINCT tags.name) = %d", len(f.Tags))
	if f.AllSettersRequired {
		having = fmt.Sprintf("COUNT(DISTINCT tags_items.setter_id || '-' || tags.name) = %d", len(f.Tags)*len(f.Setters))
	} else if f.MatchAny && len(f.Tags) > 1 {
		having = ""
	}

	groupCols := make([]string, len(std))
	selCols := make([]string, len(std))
	for i, c := range std {
		groupCols[i] = ctx.name + "." + c
		selCols[i] = ctx.name + "." + c + " AS " + c
	}

	matchSel := sq.Select(append(append([]string{}, selCols...),
		"AVG(tags_items.confidence) AS order_rank")...).
		From(ctx.name).
		Join("tags_items ON tags_items.item_id = " + ctx.name + ".item_id").
		Join("tags ON tags.id = tags_items.tag_id").
		Join("setters ON setters.id = tags_items.setter_id").
		Where(where).
		GroupBy(groupCols...)
	if having != "" {
		matchSel = matchSel.Having(having)
	}

	matchBody, matchArgs, err := matchSel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, matchArgs...)
	matchName := st.nextName("match_tags")
	st.ctes = append(st.ctes, matchName+" AS ("+matchBody+")")

	rankExpr := deriveRank(f.order, matchName+".order_rank")
	joinCol := "item_id"
	if st.isTextCtx {
		joinCol = "data_id"
	}

	finalSel := sq.Select(st.stdColsQualified(ctx) + ", " + rankExpr + " AS order_rank").
		From(ctx.name).
		Join(matchName + " ON " + matchName + "." + joinCol + " = " + ctx.name + "." + joinCol)

	finalBody, finalArgs, err := finalSel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, finalArgs...)

	return st.finishSortable("tags", finalBody, ctx, f.order, ctx.hasDataID), nil
}

// deriveRank mirrors SortableFilter.derive_rank_column: wraps the raw rank
// column in ROW_NUMBER() OVER (ORDER BY ...) when row_n is requested
// (used to make non-comparable rank scales, like lexical vs. vector
// distance, co-orderable), per spec.md §4.8.
func deriveRank(o OrderSpec, col string) string {
	if !o.RowN || (!o.OrderBy && o.SelectAs == "") {
		return col
	}
	dir := "ASC"
	if strings.EqualFold(string(o.RowNDirection), "desc") {
		dir = "DESC"
	}
	return fmt.Sprintf("ROW_NUMBER() OVER (ORDER BY %s %s)", col, dir)
}
