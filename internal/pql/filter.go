package pql

// Filter is a leaf QueryElement that narrows a row set by emitting a CTE,
// per spec.md §4.8's compile pass. Validate must be called once before
// Compile (the preprocessing pass drops filters for which it returns
// false); Compile then threads the incoming context CTE through the
// filter's own WHERE/JOIN logic.
type Filter interface {
	QueryElement

	// Validate normalizes the filter's arguments in place and reports
	// whether it is non-vacuous. Vacuous filters (e.g. an Equals with no
	// fields set) are dropped by the preprocessing pass.
	Validate() (bool, error)

	// Compile threads ctx.ctx (the incoming row set) through this
	// filter's condition, returning the new context CTE that narrows it.
	Compile(st *compileState, ctx cteRef) (cteRef, error)
}

func (*valueFilter) element()       {}
func (*pathFilter) element()        {}
func (*tagFilter) element()         {}
func (*matchTextFilter) element()   {}
func (*semanticFilter) element()    {}
func (*processedByFilter) element() {}

// SortableFilter is a Filter that can additionally contribute an
// order_rank column and opt into the query's ORDER BY, per spec.md §4.2's
// SortableFilter fields.
type SortableFilter interface {
	Filter
	OrderSpec() OrderSpec
}

// OrderSpec mirrors spec.md §4.2's SortableFilter carry set.
type OrderSpec struct {
	OrderBy       bool
	Direction     OrderDirection
	Priority      int
	RowN          bool
	RowNDirection OrderDirection
	GT            any
	LT            any
	SelectAs      string
}

// cteRef names a compiled CTE and records which optional columns it
// carries, so downstream code knows whether a JOIN needs data_id or
// order_rank.
type cteRef struct {
	name       string
	hasDataID  bool
	hasOrderRank bool
}

// compileState accumulates everything threaded through one Compile call:
// the growing list of `WITH name AS (...)` clauses, a counter for unique
// CTE names, whether this is a count-only compilation (suppresses
// order_rank/extra columns per spec.md §4.8 "Count mode"), whether the
// query entity requires the text-entity join (files -> item_data ->
// extracted_text) ahead of the filter chain, and the accumulated ORDER BY
// contributors plus SELECT extras.
type compileState struct {
	ctes       []string // `WITH` bodies, in declaration order
	cteCounter int
	isCount    bool
	isTextCtx  bool // root context already carries data_id
	orderList  []orderByFilter
	extras     []extraColumn
	args       []any
}

// extraColumn is one extra SELECT output requested by a SortableFilter's
// select_as (the "column" it contributes, e.g. order_rank or snippet_text),
// reached from the final result set via a LEFT JOIN on file_id.
type extraColumn struct {
	cteName string
	column  string
	alias   string
}

func (st *compileState) nextName(kind string) string {
	st.cteCounter++
	return cteName(kind, st.cteCounter)
}

func cteName(kind string, n int) string {
	return "n_" + itoa(n) + "_" + kind
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// addCTE appends a fully-formed `name AS (body)` clause and returns a
// cteRef for it.
func (st *compileState) addCTE(name, body string, hasDataID, hasOrderRank bool) cteRef {
	st.ctes = append(st.ctes, name+" AS ("+body+")")
	return cteRef{name: name, hasDataID: hasDataID, hasOrderRank: hasOrderRank}
}

// stdCols is "file_id, item_id" and, in a text context, also "data_id" -
// the minimum column set every chained CTE must select, per spec.md
// §4.8's "(file_id, item_id) (plus data_id for text-entity queries)".
func (st *compileState) stdCols(ctx cteRef) []string {
	cols := []string{"file_id", "item_id"}
	if st.isTextCtx || ctx.hasDataID {
		cols = append(cols, "data_id")
	}
	return cols
}

func (st *compileState) stdColsQualified(ctx cteRef) string {
	cols := st.stdCols(ctx)
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += ctx.name + "." + c + " AS " + c
	}
	return out
}
