package tdbcore

import "strings"

// Query is the minimal predicate builder recovered from
// original_source per SPEC_FULL.md §5: Equal/Greater/Contains composed
// with And/Or, evaluated by a single linear scan. This is not the
// original's full dynamic query DSL (operator trees, link chains,
// subqueries, demonstrated in original_source's ex_query_dynamic_*.cpp
// and ex_query_typed_*.cpp examples) — those remain a non-goal — but
// covers spec.md §8 Testable Scenario 3 (filter rows by a simple
// predicate).
type Query struct {
	table *Table
	pred  predicate
}

type predicate func(row int64) (bool, error)

func NewQuery(t *Table) *Query {
	return &Query{table: t, pred: func(int64) (bool, error) { return true, nil }}
}

func (q *Query) And(p *Query) *Query {
	left := q.pred
	right := p.pred
	return &Query{table: q.table, pred: func(row int64) (bool, error) {
		ok, err := left(row)
		if err != nil || !ok {
			return false, err
		}
		return right(row)
	}}
}

func (q *Query) Or(p *Query) *Query {
	left := q.pred
	right := p.pred
	return &Query{table: q.table, pred: func(row int64) (bool, error) {
		ok, err := left(row)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		return right(row)
	}}
}

// EqualInt matches rows whose Int column equals v.
func (t *Table) EqualInt(column string, v int64) (*Query, error) {
	c, err := t.IntColumn(column)
	if err != nil {
		return nil, err
	}
	return &Query{table: t, pred: func(row int64) (bool, error) {
		got, err := c.Get(row)
		return got == v, err
	}}, nil
}

// GreaterInt matches rows whose Int column exceeds v.
func (t *Table) GreaterInt(column string, v int64) (*Query, error) {
	c, err := t.IntColumn(column)
	if err != nil {
		return nil, err
	}
	return &Query{table: t, pred: func(row int64) (bool, error) {
		got, err := c.Get(row)
		return got > v, err
	}}, nil
}

// EqualString matches rows whose String column equals v. caseInsensitive
// folds both sides with asciiUpper first; per DESIGN.md's Open
// Question decision this is an ASCII-only fold, not full Unicode
// case-folding.
func (t *Table) EqualString(column, v string, caseInsensitive bool) (*Query, error) {
	c, err := t.StringColumn(column)
	if err != nil {
		return nil, err
	}
	needle := v
	if caseInsensitive {
		needle = asciiUpper(v)
	}
	return &Query{table: t, pred: func(row int64) (bool, error) {
		got, err := c.Get(row)
		if err != nil {
			return false, err
		}
		if caseInsensitive {
			got = asciiUpper(got)
		}
		return got == needle, nil
	}}, nil
}

// ContainsString matches rows whose String column contains substr.
func (t *Table) ContainsString(column, substr string, caseInsensitive bool) (*Query, error) {
	c, err := t.StringColumn(column)
	if err != nil {
		return nil, err
	}
	needle := substr
	if caseInsensitive {
		needle = asciiUpper(substr)
	}
	return &Query{table: t, pred: func(row int64) (bool, error) {
		got, err := c.Get(row)
		if err != nil {
			return false, err
		}
		if caseInsensitive {
			got = asciiUpper(got)
		}
		return strings.Contains(got, needle), nil
	}}, nil
}

func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// FindAll evaluates the predicate over every row and returns the
// matching indexes, in order.
func (q *Query) FindAll() ([]int64, error) {
	var out []int64
	n := q.table.NumRows()
	for i := int64(0); i < n; i++ {
		ok, err := q.pred(i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// FindFirst returns the first matching row, or -1.
func (q *Query) FindFirst() (int64, error) {
	n := q.table.NumRows()
	for i := int64(0); i < n; i++ {
		ok, err := q.pred(i)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// Count returns the number of matching rows.
func (q *Query) Count() (int64, error) {
	all, err := q.FindAll()
	return int64(len(all)), err
}
