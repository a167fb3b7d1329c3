package table

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type (
	Kind int

	// Key identifies a row by entity and observation time
	Key struct {
		EntityID  string
		Timestamp time.Time
	}

	Column struct {
		Name string
		Kind Kind
		// nil is a missing value
		Values []any
	}

	// Batch is a set of observations indexed by entity and time, with named metric columns.
	// All columns have the same length as Index.
	Batch struct {
		Index   []Key
		columns map[string]*Column
		// column names in insertion order
		order []string
	}
)

const (
	KindUnknown Kind = iota
	KindNumber
	KindText
	KindTimestamp
)

var (
	ErrColumnLength  = errors.New("column length does not match index length")
	ErrColumnExists  = errors.New("column already exists")
	ErrColumnMissing = errors.New("column does not exist")
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

func New(index []Key) *Batch {
	return &Batch{
		Index:   index,
		columns: make(map[string]*Column),
	}
}

func (b *Batch) Len() int {
	return len(b.Index)
}

func (b *Batch) AddColumn(name string, kind Kind, values []any) error {
	if _, exists := b.columns[name]; exists {
		return fmt.Errorf("%w: %s", ErrColumnExists, name)
	}
	if len(values) != len(b.Index) {
		return fmt.Errorf("%w: %s has %d values, index has %d", ErrColumnLength, name, len(values), len(b.Index))
	}
	b.columns[name] = &Column{Name: name, Kind: kind, Values: values}
	b.order = append(b.order, name)
	return nil
}

// EnsureColumn creates an all-null column if it does not exist yet
func (b *Batch) EnsureColumn(name string, kind Kind) *Column {
	if c, exists := b.columns[name]; exists {
		return c
	}
	c := &Column{Name: name, Kind: kind, Values: make([]any, len(b.Index))}
	b.columns[name] = c
	b.order = append(b.order, name)
	return c
}

func (b *Batch) Column(name string) (*Column, bool) {
	c, ok := b.columns[name]
	return c, ok
}

func (b *Batch) HasColumn(name string) bool {
	_, ok := b.columns[name]
	return ok
}

func (b *Batch) ColumnNames() []string {
	names := make([]string, len(b.order))
	copy(names, b.order)
	return names
}

func (b *Batch) Set(column string, row int, v any) error {
	c, ok := b.columns[column]
	if !ok {
		return fmt.Errorf("%w: %s", ErrColumnMissing, column)
	}
	if row < 0 || row >= len(c.Values) {
		return fmt.Errorf("row %d out of range for %d rows", row, len(c.Values))
	}
	c.Values[row] = v
	return nil
}

func (b *Batch) Clone() *Batch {
	nb := New(append([]Key(nil), b.Index...))
	for _, name := range b.order {
		c := b.columns[name]
		vals := make([]any, len(c.Values))
		copy(vals, c.Values)
		nb.columns[name] = &Column{Name: c.Name, Kind: c.Kind, Values: vals}
		nb.order = append(nb.order, name)
	}
	return nb
}

// FillForward carries the last non-missing value of each column down over missing values.
// Leading missing values stay missing.
func (b *Batch) FillForward() {
	for _, name := range b.order {
		c := b.columns[name]
		var last any
		for i, v := range c.Values {
			if v == nil {
				if last != nil {
					c.Values[i] = last
				}
				continue
			}
			last = v
		}
	}
}

// FillZero replaces remaining missing values with the zero value of the column kind
func (b *Batch) FillZero() {
	for _, name := range b.order {
		c := b.columns[name]
		zero := zeroFor(c.Kind)
		for i, v := range c.Values {
			if v == nil {
				c.Values[i] = zero
			}
		}
	}
}

func zeroFor(k Kind) any {
	switch k {
	case KindText:
		return ""
	case KindTimestamp:
		return time.Unix(0, 0).UTC()
	default:
		return float64(0)
	}
}

// CompleteRows returns, in order, the positions of rows that have a value in every given column.
// A column that does not exist makes every row incomplete.
func (b *Batch) CompleteRows(columns []string) []int {
	cols := make([]*Column, 0, len(columns))
	for _, name := range columns {
		c, ok := b.columns[name]
		if !ok {
			return []int{}
		}
		cols = append(cols, c)
	}

	rows := make([]int, 0, len(b.Index))
RowLoop:
	for i := range b.Index {
		for _, c := range cols {
			if c.Values[i] == nil {
				continue RowLoop
			}
		}
		rows = append(rows, i)
	}
	return rows
}

// Values returns the matrix of the given columns for the given rows, one slice per row
func (b *Batch) Values(rows []int, columns []string) ([][]any, error) {
	cols := make([]*Column, 0, len(columns))
	for _, name := range columns {
		c, ok := b.columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrColumnMissing, name)
		}
		cols = append(cols, c)
	}
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = c.Values[r]
		}
		out = append(out, row)
	}
	return out, nil
}

// SortByTime orders rows by timestamp, then entity id. The sort is stable.
func (b *Batch) SortByTime() {
	perm := make([]int, len(b.Index))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		a, c := b.Index[perm[i]], b.Index[perm[j]]
		if !a.Timestamp.Equal(c.Timestamp) {
			return a.Timestamp.Before(c.Timestamp)
		}
		return a.EntityID < c.EntityID
	})

	index := make([]Key, len(perm))
	for i, p := range perm {
		index[i] = b.Index[p]
	}
	b.Index = index
	for _, c := range b.columns {
		vals := make([]any, len(perm))
		for i, p := range perm {
			vals[i] = c.Values[p]
		}
		c.Values = vals
	}
}

// MaxTimestamp returns the latest index timestamp, false for an empty batch
func (b *Batch) MaxTimestamp() (time.Time, bool) {
	if len(b.Index) == 0 {
		return time.Time{}, false
	}
	max := b.Index[0].Timestamp
	for _, k := range b.Index[1:] {
		if k.Timestamp.After(max) {
			max = k.Timestamp
		}
	}
	return max, true
}
