package pql

import (
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// pathFilter narrows to files whose path begins with one of a set of
// prefixes, ported from filters/path_in.py's InPaths.
type pathFilter struct {
	Paths []string `json:"in_paths"`
}

// typeFilter narrows to items whose MIME type begins with one of a set of
// prefixes, ported from filters/type_in.py's TypeIn.
type typeFilter struct {
	Types []string `json:"type_in"`
}

func (*typeFilter) element() {}

func init() {
	registerFilter("in_paths", decodeJSONFilter(func() Filter { return &pathFilter{} }))
	registerFilter("type_in", decodeJSONFilter(func() Filter { return &typeFilter{} }))
}

// decodeJSONFilter adapts a plain encoding/json-tagged Filter struct into
// the registry's filterFactory shape.
func decodeJSONFilter(newFilter func() Filter) filterFactory {
	return func(body json.RawMessage) (QueryElement, error) {
		f := newFilter()
		if err := json.Unmarshal(body, f); err != nil {
			return nil, fmt.Errorf("pql: decode filter: %w", err)
		}
		return f, nil
	}
}

func (f *pathFilter) Validate() (bool, error) { return len(f.Paths) > 0, nil }

func (f *pathFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	or := sq.Or{}
	for _, p := range f.Paths {
		or = append(or, sq.Expr("files.path LIKE ? ESCAPE '\\'", escapeLike(p)+"%"))
	}
	sel := sq.Select(st.stdColsQualified(ctx)).
		From(ctx.name).
		Join("files ON files.id = " + ctx.name + ".file_id").
		Where(or)
	body, args, err := sel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, args...)
	return st.addCTE(st.nextName("in_paths"), body, ctx.hasDataID, false), nil
}

func (f *typeFilter) Validate() (bool, error) { return len(f.Types) > 0, nil }

func (f *typeFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	or := sq.Or{}
	for _, t := range f.Types {
		or = append(or, sq.Expr("items.type LIKE ? ESCAPE '\\'", escapeLike(t)+"%"))
	}
	sel := sq.Select(st.stdColsQualified(ctx)).
		From(ctx.name).
		Join("items ON items.id = " + ctx.name + ".item_id").
		Where(or)
	body, args, err := sel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, args...)
	return st.addCTE(st.nextName("type_in"), body, ctx.hasDataID, false), nil
}
