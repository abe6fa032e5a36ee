package pql

import (
	"encoding/json"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
)

// op enumerates the comparison operators of the Python filters/kvfilters.py
// ValueFilters union, collapsed into one Go type with a field instead of
// eleven near-identical pydantic models.
type op string

const (
	opEq         op = "eq"
	opNeq        op = "neq"
	opIn         op = "in_"
	opNotIn      op = "nin"
	opGt         op = "gt"
	opGte        op = "gte"
	opLt         op = "lt"
	opLte        op = "lte"
	opStartsWith op = "startswith"
	opEndsWith   op = "endswith"
	opContains   op = "contains"
)

// valueFilter is a single key/value (or key/value-list) comparison against
// a files/items/extracted_text/item_data/setters column, per spec.md
// §4.8's Filter leaf producing a narrowing CTE.
type valueFilter struct {
	operator op
	fields   map[string]json.RawMessage
	keys     []string // stable iteration order, set by Validate
}

func init() {
	for _, o := range []op{opEq, opNeq, opIn, opNotIn, opGt, opGte, opLt, opLte, opStartsWith, opEndsWith, opContains} {
		o := o
		registerFilter(string(o), func(body json.RawMessage) (QueryElement, error) {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, fmt.Errorf("pql: decode %s filter: %w", o, err)
			}
			return &valueFilter{operator: o, fields: fields}, nil
		})
	}
}

func (f *valueFilter) Validate() (bool, error) {
	if len(f.fields) == 0 {
		return false, nil
	}
	keys := make([]string, 0, len(f.fields))
	for k := range f.fields {
		if _, err := lookupColumn(k); err != nil {
			return false, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic SQL text across runs with the same logical filter
	f.keys = keys
	return true, nil
}

func (f *valueFilter) Compile(st *compileState, ctx cteRef) (cteRef, error) {
	var textCols, plainCols []string
	for _, k := range f.keys {
		c, _ := lookupColumn(k)
		if c.textOnly {
			textCols = append(textCols, k)
		} else {
			plainCols = append(plainCols, k)
		}
	}
	if len(textCols) > 0 && !st.isTextCtx {
		return cteRef{}, fmt.Errorf("pql: column(s) %v require a text-entity query (entity=text-extracted)", textCols)
	}
	_ = plainCols

	where := sq.And{}
	for _, k := range f.keys {
		c, _ := lookupColumn(k)
		col := qualifiedColumnSQL(c)
		var raw any
		if err := json.Unmarshal(f.fields[k], &raw); err != nil {
			return cteRef{}, fmt.Errorf("pql: decode value for %q: %w", k, err)
		}
		list, isList := raw.([]any)

		switch f.operator {
		case opEq:
			where = append(where, sq.Eq{col: raw})
		case opNeq:
			where = append(where, sq.NotEq{col: raw})
		case opIn:
			if !isList {
				list = []any{raw}
			}
			where = append(where, sq.Eq{col: list})
		case opNotIn:
			if !isList {
				list = []any{raw}
			}
			where = append(where, sq.NotEq{col: list})
		case opGt:
			where = append(where, sq.Gt{col: raw})
		case opGte:
			where = append(where, sq.GtOrEq{col: raw})
		case opLt:
			where = append(where, sq.Lt{col: raw})
		case opLte:
			where = append(where, sq.LtOrEq{col: raw})
		case opStartsWith, opEndsWith, opContains:
			vals := list
			if !isList {
				vals = []any{raw}
			}
			or := sq.Or{}
			for _, v := range vals {
				s, _ := v.(string)
				or = append(or, sq.Expr(col+" LIKE ? ESCAPE '\\'", likePattern(f.operator, s)))
			}
			where = append(where, or)
		default:
			return cteRef{}, fmt.Errorf("pql: unknown operator %q", f.operator)
		}
	}

	sel := sq.Select(st.stdColsQualified(ctx)).
		From(ctx.name).
		Join("items ON items.id = " + ctx.name + ".item_id").
		Join("files ON files.id = " + ctx.name + ".file_id")
	if st.isTextCtx {
		sel = sel.Join("item_data ON item_data.id = " + ctx.name + ".data_id").
			Join("extracted_text ON extracted_text.id = " + ctx.name + ".data_id").
			Join("setters ON setters.id = item_data.setter_id")
	}
	sel = sel.Where(where)

	body, args, err := sel.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return cteRef{}, err
	}
	st.args = append(st.args, args...)

	name := st.nextName("value_" + string(f.operator))
	return st.addCTE(name, body, st.isTextCtx, false), nil
}

func likePattern(o op, s string) string {
	esc := escapeLike(s)
	switch o {
	case opStartsWith:
		return esc + "%"
	case opEndsWith:
		return "%" + esc
	default:
		return "%" + esc + "%"
	}
}

// escapeLike escapes SQLite LIKE wildcards so substring filters match
// literally; callers compare with `LIKE ... ESCAPE '\'`.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
