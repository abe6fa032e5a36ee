// Package pql implements the PQL Compiler (PC): it turns a composable
// filter/operator tree into a chain of CTE-backed SQL SELECTs against the
// index database, per spec.md §4.8. It is a close port of the Python
// implementation's recursive process_query_element (db/pql/build_query.py),
// substituting hand-assembled SQL text plus Masterminds/squirrel's
// condition builders for SQLAlchemy's Core expression language, since Go
// has no equivalent query-expression AST to walk.
package pql

import (
	"encoding/json"
	"fmt"
)

// Entity selects the granularity of result rows a query returns, per
// spec.md §4.2's QueryElement/entity field.
type Entity string

const (
	EntityFile         Entity = "file"
	EntityItem         Entity = "item"
	EntityTextExtract  Entity = "text-extracted"
)

// OrderDirection is "asc" or "desc".
type OrderDirection string

const (
	Asc  OrderDirection = "asc"
	Desc OrderDirection = "desc"
)

func (d OrderDirection) orElse(def OrderDirection) OrderDirection {
	if d == "" {
		return def
	}
	return d
}

// OrderArgs is an explicit, filter-independent ORDER BY clause request
// (spec.md §4.8 "an explicit order_args list").
type OrderArgs struct {
	OrderBy  string         `json:"order_by"`
	Order    OrderDirection `json:"order"`
	Priority int            `json:"priority"`
}

// Query is the root PQL request: a QueryElement tree plus paging/ordering/
// selection controls, per spec.md §4.2.
type Query struct {
	Query      QueryElement `json:"query,omitempty"`
	Entity     Entity       `json:"entity,omitempty"`
	OrderArgs  []OrderArgs  `json:"order_args,omitempty"`
	Select     []string     `json:"select,omitempty"`
	Page       int          `json:"page,omitempty"`
	PageSize   int          `json:"page_size,omitempty"`
	Count      bool         `json:"count,omitempty"`
	CheckPath  bool         `json:"check_path,omitempty"`
}

// QueryElement is the algebraic sum Filter | And | Or | Not of spec.md
// §4.2. Filters implement it directly; And/Or/Not wrap child elements.
type QueryElement interface {
	element()
}

// And threads the incoming CTE through each child in declaration order:
// every child narrows the current row set.
type And struct {
	Elements []QueryElement
}

func (And) element() {}

// Or unions the children's row sets (std columns only).
type Or struct {
	Elements []QueryElement
}

func (Or) element() {}

// Not excepts the child's row set out of the parent context.
type Not struct {
	Element QueryElement
}

func (Not) element() {}

// ParseElement decodes one node of a QueryElement tree from its wire
// encoding: a JSON object with exactly one of "and_", "or_", "not_", or a
// registered filter key at the top level.
func ParseElement(raw json.RawMessage) (QueryElement, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("pql: decode query element: %w", err)
	}

	if v, ok := obj["and_"]; ok {
		var children []json.RawMessage
		if err := json.Unmarshal(v, &children); err != nil {
			return nil, fmt.Errorf("pql: decode and_: %w", err)
		}
		elems := make([]QueryElement, 0, len(children))
		for _, c := range children {
			el, err := ParseElement(c)
			if err != nil {
				return nil, err
			}
			elems = append(elems, el)
		}
		return And{Elements: elems}, nil
	}

	if v, ok := obj["or_"]; ok {
		var children []json.RawMessage
		if err := json.Unmarshal(v, &children); err != nil {
			return nil, fmt.Errorf("pql: decode or_: %w", err)
		}
		elems := make([]QueryElement, 0, len(children))
		for _, c := range children {
			el, err := ParseElement(c)
			if err != nil {
				return nil, err
			}
			elems = append(elems, el)
		}
		return Or{Elements: elems}, nil
	}

	if v, ok := obj["not_"]; ok {
		child, err := ParseElement(v)
		if err != nil {
			return nil, err
		}
		return Not{Element: child}, nil
	}

	for key, body := range obj {
		factory, ok := filterRegistry[key]
		if !ok {
			continue
		}
		return factory(body)
	}
	return nil, fmt.Errorf("pql: query element has no and_/or_/not_ and no recognized filter key")
}

// ParseQuery decodes a whole Query from a map[string]any, the shape a
// schema.ModelMetadata.InputQuery or an HTTP search request body arrives
// in.
func ParseQuery(m map[string]any) (Query, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Query{}, err
	}
	var wire struct {
		Query     json.RawMessage `json:"query,omitempty"`
		Entity    Entity          `json:"entity,omitempty"`
		OrderArgs []OrderArgs     `json:"order_args,omitempty"`
		Select    []string        `json:"select,omitempty"`
		Page      int             `json:"page,omitempty"`
		PageSize  int             `json:"page_size,omitempty"`
		Count     bool            `json:"count,omitempty"`
		CheckPath bool            `json:"check_path,omitempty"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Query{}, err
	}
	q := Query{
		Entity:    wire.Entity,
		OrderArgs: wire.OrderArgs,
		Select:    wire.Select,
		Page:      wire.Page,
		PageSize:  wire.PageSize,
		Count:     wire.Count,
		CheckPath: wire.CheckPath,
	}
	if len(wire.Query) > 0 {
		el, err := ParseElement(wire.Query)
		if err != nil {
			return Query{}, err
		}
		q.Query = el
	}
	return q, nil
}

type filterFactory func(body json.RawMessage) (QueryElement, error)

var filterRegistry = map[string]filterFactory{}

// registerFilter wires a wire-format key (e.g. "eq", "in_", "match_text")
// to a decoder. Called from an init() func in each filter's own source
// file.
func registerFilter(key string, f filterFactory) bool {
	filterRegistry[key] = f
	return true
}
