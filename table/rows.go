package table

import (
	"fmt"
	"sort"
	"time"
)

const (
	DefaultEntityColumn    = "deviceid"
	DefaultTimestampColumn = "evt_timestamp"
)

// Row is a single observation as a flat map, used for JSON and parquet views
type Row map[string]any

// Rows returns every row as a map, including the index under entityCol and tsCol.
// Timestamps are left as time.Time.
func (b *Batch) Rows(entityCol, tsCol string) []Row {
	rows := make([]Row, len(b.Index))
	for i, k := range b.Index {
		r := make(Row, len(b.order)+2)
		r[entityCol] = k.EntityID
		r[tsCol] = k.Timestamp
		for _, name := range b.order {
			r[name] = b.columns[name].Values[i]
		}
		rows[i] = r
	}
	return rows
}

// FromRows builds a batch from flattened rows. The entity and timestamp columns form the index
// and are also kept as regular columns. Column kinds come from the first non-nil value.
func FromRows(rows []map[string]any, entityCol, tsCol string) (*Batch, error) {
	index := make([]Key, len(rows))
	names := map[string]struct{}{}
	for i, row := range rows {
		for k := range row {
			names[k] = struct{}{}
		}

		ts, err := ParseTimestamp(row[tsCol])
		if err != nil {
			return nil, fmt.Errorf("error parsing %s of row %d: %w", tsCol, i, err)
		}
		entity := ""
		if v, ok := row[entityCol]; ok && v != nil {
			entity = fmt.Sprint(v)
		}
		index[i] = Key{EntityID: entity, Timestamp: ts}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	b := New(index)
	for _, name := range sorted {
		vals := make([]any, len(rows))
		kind := KindUnknown
		for i, row := range rows {
			v := row[name]
			if name == tsCol {
				v = index[i].Timestamp
			}
			vals[i] = v
			if kind == KindUnknown && v != nil {
				kind = KindOf(v)
			}
		}
		if err := b.AddColumn(name, kind, vals); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func KindOf(v any) Kind {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return KindNumber
	case string:
		return KindText
	case time.Time:
		return KindTimestamp
	default:
		return KindUnknown
	}
}

// ParseTimestamp accepts time.Time, RFC3339 strings or epoch milliseconds as float64
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
