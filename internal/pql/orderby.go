package pql

import (
	"fmt"
	"sort"
	"strings"
)

// veryLargeNumber/verySmallNumber are the coalesce sentinels from
// order_by.py: when ascending-direction clauses of equal priority are
// coalesced with MIN(COALESCE(...)), a NULL rank must not win the MIN, so
// it is coalesced to a value larger than any real rank; descending uses
// the mirror sentinel with MAX.
const (
	veryLargeNumber = 1 << 53
	verySmallNumber = -(1 << 53)
)

// orderByFilter is one SortableFilter's contribution to the final ORDER
// BY, referencing the CTE it compiled to.
type orderByFilter struct {
	cte       cteRef
	direction OrderDirection
	priority  int
}

// finishSortable is the shared tail end of every SortableFilter's Compile:
// apply cursor gt/lt bounds (ignored for count queries per spec.md §4.8),
// register the CTE, and record it for ORDER BY / extra-column purposes.
func (st *compileState) finishSortable(kind, body string, ctx cteRef, order OrderSpec, hasDataID bool) cteRef {
	if !st.isCount && (order.GT != nil || order.LT != nil) {
		wrapName := "wrapped_" + st.nextName(kind)
		st.ctes = append(st.ctes, wrapName+" AS ("+body+")")
		where := ""
		if order.GT != nil {
			where += fmt.Sprintf("order_rank > %v", sqlLiteral(order.GT))
		}
		if order.LT != nil {
			if where != "" {
				where += " AND "
			}
			where += fmt.Sprintf("order_rank < %v", sqlLiteral(order.LT))
		}
		body = "SELECT * FROM " + wrapName + " WHERE " + where
	}

	name := st.nextName(kind)
	result := st.addCTE(name, body, hasDataID, true)
	st.recordExtra(order, result)
	return result
}

func sqlLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// recordExtra registers a sortable CTE's order_rank for ORDER BY (if
// order_by is set) and/or as an aliased extra output column (if select_as
// is set), per spec.md §4.8's "Every SortableFilter with select_as...".
func (st *compileState) recordExtra(order OrderSpec, result cteRef) {
	if order.OrderBy {
		st.orderList = append(st.orderList, orderByFilter{
			cte:       result,
			direction: order.Direction.orElse(Asc),
			priority:  order.Priority,
		})
	}
	if order.SelectAs != "" && !st.isCount {
		st.extras = append(st.extras, extraColumn{cteName: result.name, column: "order_rank", alias: order.SelectAs})
	}
}

// orderItem is either an *OrderArgs (explicit order_args entry), a single
// *orderByFilter, or a coalesced group of *orderByFilter sharing priority.
type orderItem struct {
	args  *OrderArgs
	single *orderByFilter
	group []orderByFilter
}

// combineOrderLists merges SortableFilter contributions with explicit
// order_args by (priority DESC, list-position), then coalesces adjacent
// same-priority orderByFilter runs, porting order_by.py's
// combine_order_lists/group_order_list.
func combineOrderLists(orderList []orderByFilter, orderArgs []OrderArgs) []orderItem {
	type tagged struct {
		priority int
		idx      int
		fromArgs bool
		of       *orderByFilter
		oa       *OrderArgs
	}
	var all []tagged
	for i := range orderList {
		all = append(all, tagged{priority: orderList[i].priority, idx: i, of: &orderList[i]})
	}
	for i := range orderArgs {
		all = append(all, tagged{priority: orderArgs[i].Priority, idx: i, fromArgs: true, oa: &orderArgs[i]})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority > all[j].priority
		}
		if all[i].fromArgs != all[j].fromArgs {
			return !all[i].fromArgs // order_list wins ties over order_args
		}
		return all[i].idx < all[j].idx
	})

	var out []orderItem
	i := 0
	for i < len(all) {
		j := i + 1
		if !all[i].fromArgs {
			for j < len(all) && !all[j].fromArgs && all[j].priority == all[i].priority {
				j++
			}
		}
		if !all[i].fromArgs && j-i > 1 {
			group := make([]orderByFilter, 0, j-i)
			for k := i; k < j; k++ {
				group = append(group, *all[k].of)
			}
			out = append(out, orderItem{group: group})
		} else {
			for k := i; k < j; k++ {
				if all[k].fromArgs {
					out = append(out, orderItem{args: all[k].oa})
				} else {
					out = append(out, orderItem{single: all[k].of})
				}
			}
		}
		i = j
	}
	return out
}

// buildOrderBy renders the merged order items into an `ORDER BY` clause
// plus any extra LEFT JOINs needed to reach non-root sortable CTEs,
// returning the clause text (without the leading "ORDER BY") and the
// join clauses to prepend.
func buildOrderBy(items []orderItem, rootCTEName string, fileRef string) (joins []string, orderBy string, err error) {
	var clauses []string
	seen := map[string]bool{}
	join := func(cte cteRef) {
		if cte.name == rootCTEName || seen[cte.name] {
			return
		}
		seen[cte.name] = true
		joins = append(joins, "LEFT JOIN "+cte.name+" ON "+cte.name+".file_id = "+fileRef)
	}

	for _, it := range items {
		switch {
		case it.args != nil:
			col, dir, ok := orderArgColumn(*it.args)
			if !ok {
				return nil, "", errUnknownOrderColumn
			}
			clauses = append(clauses, col+" "+dir+" NULLS LAST")
		case it.single != nil:
			join(it.single.cte)
			dir := "ASC"
			if it.single.direction == Desc {
				dir = "DESC"
			}
			clauses = append(clauses, it.single.cte.name+".order_rank "+dir+" NULLS LAST")
		case it.group != nil:
			dir := it.group[0].direction
			cols := make([]string, 0, len(it.group))
			for _, g := range it.group {
				join(g.cte)
				sentinel := veryLargeNumber
				if dir == Desc {
					sentinel = verySmallNumber
				}
				cols = append(cols, fmt.Sprintf("COALESCE(%s.order_rank, %d)", g.cte.name, sentinel))
			}
			agg := "MIN"
			sqlDir := "ASC"
			if dir == Desc {
				agg = "MAX"
				sqlDir = "DESC"
			}
			clauses = append(clauses, fmt.Sprintf("%s(%s) %s", agg, joinComma(cols), sqlDir))
		}
	}
	return joins, joinComma(clauses), nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// orderArgColumn maps an explicit OrderArgs entry to a `files`/`items`
// column plus its resolved direction, defaulting to last_modified/desc
// exactly like order_by.py's get_order_by_and_direction.
func orderArgColumn(a OrderArgs) (col, dir string, ok bool) {
	name := a.OrderBy
	if name == "" {
		name = "last_modified"
	}
	info, err := lookupColumn(name)
	if err != nil {
		if name == "path" || name == "filename" || name == "sha256" || name == "last_modified" {
			info = colInfo{table: "files", column: name}
		} else {
			return "", "", false
		}
	}
	direction := a.Order
	if direction == "" {
		if name == "last_modified" {
			direction = Desc
		} else {
			direction = Asc
		}
	}
	dirSQL := "ASC"
	if direction == Desc {
		dirSQL = "DESC"
	}
	return qualifiedColumnSQL(info), dirSQL, true
}
