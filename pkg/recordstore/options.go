package recordstore

// Query filters records by exact column match. Keys are column names.
type Query map[string]any

// SortOrder selects range-read direction.
type SortOrder string

const (
	Ascending  SortOrder = "ascending"
	Descending SortOrder = "descending"
)

type cond struct {
	expr string
	args []any
}

type options struct {
	consistent bool
	sortBy     string
	sortOrder  SortOrder
	limit      int
	conds      []cond
}

// Option adjusts a single read.
type Option func(*options)

// Consistent forces the read through to storage, bypassing the
// per-operation coalescing cache. The relational backend is always
// strongly consistent; the flag exists so callers that must observe
// their own recent writes (settlement sequencing, tests) declare it,
// and so eventually consistent backends can honor it.
func Consistent(v bool) Option {
	return func(o *options) { o.consistent = v }
}

// SortBy orders results by a column.
func SortBy(column string, order SortOrder) Option {
	return func(o *options) {
		o.sortBy = column
		o.sortOrder = order
	}
}

// Limit bounds the number of returned records.
func Limit(n int) Option {
	return func(o *options) { o.limit = n }
}

// Where adds a range condition, e.g. Where("settle_at <= ?", now).
func Where(expr string, args ...any) Option {
	return func(o *options) { o.conds = append(o.conds, cond{expr: expr, args: args}) }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
