package pql

import (
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
)

// processedByFilter narrows to rows whose item_data was derived from
// (ProcessedBy, "source_id = context.data_id") or produced alongside
// (HasDataFrom, "item_id = context.item_id") a given setter's output.
// Ported from filters/processed_by.py and filters/processed_items.py,
// collapsed into one struct with a `derived` flag since they differ only
// in join column.
type processedByFilter struct {
	ProcessedBy string `json:"processed_by,omitempty"`
	HasDataFrom string `json:"has_data_from,omitempty"`
	derived     bool
	setter      string
}

func init() {
	registerFilter("processed_by", func(body json.RawMessage) (QueryElement, error) {
		f := &processedByFilter{}
		if err := json.Unmarshal(body, f); err != nil {
			return nil, err
		}
		f.derived = true
		f.setter = f.ProcessedBy
		return f, nil
	})
	registerFilter("has_data_from", func(body json.RawMessage) (QueryElement, error) {
		f := &processedByFilter{}
		if err := json.Unmarshal(body, f); err != nil {
			return nil, err
		}
		f.derived = false
		f.setter = f.HasDataFrom
		return f, nil
	})
}

func (f *processedByFilter) Validate() (bool, error) { return f.setter != "", nil }

func (f *processedByFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	var joinCol string
	if f.derived {
		if !st.isTextCtx {
			return cteRef{}, errProcessedByNeedsTextEntity
		}
		joinCol = "item_data.source_id = " + ctx.name + ".data_id"
	} else {
		joinCol = "item_data.item_id = " + ctx.name + ".item_id"
	}

	sel := sq.Select(st.stdColsQualified(ctx)).
		From(ctx.name).
		Join("item_data ON " + joinCol).
		Join("setters ON setters.id = item_data.setter_id").
		Where(sq.Eq{"setters.name": f.setter}).
		GroupBy(st.stdCols(ctx)...)

	body, args, err := sel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, args...)
	kind := "has_data_from"
	if f.derived {
		kind = "processed_by"
	}
	return st.addCTE(st.nextName(kind), body, ctx.hasDataID, false), nil
}
