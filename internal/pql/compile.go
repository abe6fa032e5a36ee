package pql

import (
	"strings"
)

// Compiled is the rendered SQL for one PQL query: the full statement text,
// its positional bind args, and the select_as aliases an extra column was
// registered under (for callers that want to pull those values out of the
// result rows by name).
type Compiled struct {
	SQL          string
	Args         []any
	ExtraAliases []string
}

// Compile turns a Query into one SQL statement against the index schema,
// porting db/pql/build_query.py's build_query: preprocess, recursively
// compile the filter tree into a chain of CTEs, apply entity
// post-processing, assemble ORDER BY, and finish with paging or a COUNT(*)
// in count mode.
func Compile(q Query) (*Compiled, error) {
	st := &compileState{
		isCount:   q.Count,
		isTextCtx: q.Entity == EntityTextExtract,
	}

	pruned, err := preprocess(q.Query)
	if err != nil {
		return nil, err
	}

	root := st.rootCTE(q.Entity)

	ctx := root
	if pruned != nil {
		ctx, err = processElement(st, pruned, root)
		if err != nil {
			return nil, err
		}
	}

	ctx, err = st.applyEntity(q.Entity, ctx)
	if err != nil {
		return nil, err
	}

	if q.Count {
		return st.finishCount(ctx)
	}
	return st.finishSelect(q, ctx)
}

// rootCTE builds the unfiltered base row set a query narrows from: plain
// file/item rows, or, for a text-entity query, one row per extracted_text
// item_data row carrying data_id alongside file_id/item_id.
func (st *compileState) rootCTE(entity Entity) cteRef {
	var body string
	hasDataID := entity == EntityTextExtract
	if hasDataID {
		body = "SELECT files.id AS file_id, items.id AS item_id, item_data.id AS data_id " +
			"FROM item_data " +
			"JOIN extracted_text ON extracted_text.id = item_data.id " +
			"JOIN items ON items.id = item_data.item_id " +
			"JOIN files ON files.item_id = items.id " +
			"WHERE files.available = 1"
	} else {
		body = "SELECT files.id AS file_id, files.item_id AS item_id " +
			"FROM files WHERE files.available = 1"
	}
	name := st.nextName("root")
	return st.addCTE(name, body, hasDataID, false)
}

// processElement recursively compiles one QueryElement against an
// incoming context CTE: a Filter threads ctx through its own Compile; And
// threads ctx through each child in turn; Or unions the children's row
// sets (each compiled independently against the same incoming ctx); Not
// excepts its child's row set out of ctx.
func processElement(st *compileState, el QueryElement, ctx cteRef) (cteRef, error) {
	switch v := el.(type) {
	case And:
		cur := ctx
		var err error
		for _, child := range v.Elements {
			cur, err = processElement(st, child, cur)
			if err != nil {
				return cteRef{}, err
			}
		}
		return cur, nil

	case Or:
		cols := st.stdCols(ctx)
		parts := make([]string, 0, len(v.Elements))
		for _, child := range v.Elements {
			c, err := processElement(st, child, ctx)
			if err != nil {
				return cteRef{}, err
			}
			parts = append(parts, "SELECT "+joinComma(cols)+" FROM "+c.name)
		}
		body := strings.Join(parts, " UNION ")
		return st.addCTE(st.nextName("or"), body, ctx.hasDataID, false), nil

	case Not:
		child, err := processElement(st, v.Element, ctx)
		if err != nil {
			return cteRef{}, err
		}
		cols := st.stdCols(ctx)
		body := "SELECT " + joinComma(cols) + " FROM " + ctx.name +
			" EXCEPT SELECT " + joinComma(cols) + " FROM " + child.name
		return st.addCTE(st.nextName("not"), body, ctx.hasDataID, false), nil

	case Filter:
		return v.Compile(st, ctx)

	default:
		return ctx, nil
	}
}

// applyEntity performs spec.md §4.8's entity post-processing: "file"
// passes the row set through untouched (deduplicated by file_id since
// Or/joins against fan-out tables like tags_items can otherwise repeat a
// file); "item" collapses to one row per item, picking the item's highest
// file_id (MAX) as representative; "text-extracted" passes
// through untouched, since data_id already identifies the row.
func (st *compileState) applyEntity(entity Entity, ctx cteRef) (cteRef, error) {
	switch entity {
	case EntityItem:
		body := "SELECT item_id, MAX(file_id) AS file_id FROM " + ctx.name + " GROUP BY item_id"
		return st.addCTE(st.nextName("by_item"), body, false, false), nil
	case EntityFile, EntityTextExtract, "":
		cols := st.stdCols(ctx)
		body := "SELECT DISTINCT " + joinComma(cols) + " FROM " + ctx.name
		return st.addCTE(st.nextName("dedup"), body, ctx.hasDataID, false), nil
	default:
		return ctx, nil
	}
}

// finishCount renders a bare row-count statement: extras, ORDER BY, and
// paging are all irrelevant once only COUNT(*) is wanted, per spec.md
// §4.8's "Count mode" ("...compiled once with count=true to get the total
// row count, dropping ORDER BY/LIMIT/OFFSET and any extra columns").
func (st *compileState) finishCount(ctx cteRef) (*Compiled, error) {
	sql := "WITH " + strings.Join(st.ctes, ",\n") + "\nSELECT COUNT(*) FROM " + ctx.name
	return &Compiled{SQL: sql, Args: st.args}, nil
}

// finishSelect renders the final result-row statement: standard columns
// (path/sha256/type/last_modified, plus text/data_id info for a
// text-extracted query), any extra columns SortableFilters registered via
// select_as, the merged ORDER BY, and LIMIT/OFFSET for paging.
func (st *compileState) finishSelect(q Query, ctx cteRef) (*Compiled, error) {
	selectCols := []string{
		ctx.name + ".file_id AS file_id",
		ctx.name + ".item_id AS item_id",
		"files.path AS path",
		"files.sha256 AS sha256",
		"items.type AS type",
		"files.last_modified AS last_modified",
	}
	joins := []string{
		"JOIN files ON files.id = " + ctx.name + ".file_id",
		"JOIN items ON items.id = " + ctx.name + ".item_id",
	}
	if ctx.hasDataID {
		selectCols = append(selectCols,
			ctx.name+".data_id AS data_id",
			"extracted_text.text AS text",
			"extracted_text.language AS language",
		)
		joins = append(joins,
			"LEFT JOIN item_data ON item_data.id = "+ctx.name+".data_id",
			"LEFT JOIN extracted_text ON extracted_text.id = "+ctx.name+".data_id",
		)
	}

	orderItems := combineOrderLists(st.orderList, q.OrderArgs)
	orderJoins, orderBy, err := buildOrderBy(orderItems, ctx.name, ctx.name+".file_id")
	if err != nil {
		return nil, err
	}
	joins = append(joins, orderJoins...)

	var extraAliases []string
	for _, ex := range st.extras {
		selectCols = append(selectCols, ex.cteName+"."+ex.column+" AS "+ex.alias)
		extraAliases = append(extraAliases, ex.alias)
		already := false
		for _, j := range orderJoins {
			if strings.Contains(j, "LEFT JOIN "+ex.cteName+" ") {
				already = true
				break
			}
		}
		if !already && ex.cteName != ctx.name {
			joins = append(joins, "LEFT JOIN "+ex.cteName+" ON "+ex.cteName+".file_id = "+ctx.name+".file_id")
		}
	}

	sql := "WITH " + strings.Join(st.ctes, ",\n") +
		"\nSELECT " + joinComma(selectCols) +
		"\nFROM " + ctx.name +
		"\n" + strings.Join(joins, "\n")

	if orderBy != "" {
		sql += "\nORDER BY " + orderBy
	}

	args := append([]any{}, st.args...)
	if q.PageSize > 0 {
		page := q.Page
		if page < 1 {
			page = 1
		}
		sql += "\nLIMIT ? OFFSET ?"
		args = append(args, q.PageSize, (page-1)*q.PageSize)
	}

	return &Compiled{SQL: sql, Args: args, ExtraAliases: extraAliases}, nil
}
