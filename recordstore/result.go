package recordstore

// Result is a fully materialized query result. Results may be shared by
// caches across many readers and must be treated as immutable.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// Len is the number of rows.
func (r Result) Len() int { return len(r.Rows) }

// Index of the named column, or -1.
func (r Result) Index(column string) int {
	for i, c := range r.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// String value of |column| in row |i|. NULL and missing columns map to "".
func (r Result) String(i int, column string) string {
	var c = r.Index(column)
	if c == -1 {
		return ""
	}
	switch v := r.Rows[i][c].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// NullString value of |column| in row |i|, which is nil for NULL.
func (r Result) NullString(i int, column string) *string {
	var c = r.Index(column)
	if c == -1 || r.Rows[i][c] == nil {
		return nil
	}
	var s = r.String(i, column)
	return &s
}

// Int value of |column| in row |i|. NULL and non-integer values map to 0.
func (r Result) Int(i int, column string) int64 {
	var c = r.Index(column)
	if c == -1 {
		return 0
	}
	switch v := r.Rows[i][c].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
