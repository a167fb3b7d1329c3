package table

import (
	"errors"
	"testing"
	"time"
)

func testBatch(t *testing.T) *Batch {
	t.Helper()
	base := time.Date(2022, 1, 24, 0, 0, 0, 0, time.UTC)
	b := New([]Key{
		{EntityID: "d1", Timestamp: base},
		{EntityID: "d1", Timestamp: base.Add(time.Minute)},
		{EntityID: "d2", Timestamp: base.Add(2 * time.Minute)},
	})
	if err := b.AddColumn("a", KindNumber, []any{1.0, nil, 3.0}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddColumn("b", KindNumber, []any{nil, 2.0, 4.0}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddColumn("name", KindText, []any{nil, nil, "x"}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAddColumnLength(t *testing.T) {
	b := testBatch(t)
	err := b.AddColumn("c", KindNumber, []any{1.0})
	if !errors.Is(err, ErrColumnLength) {
		t.Fatalf("expected ErrColumnLength, got %v", err)
	}
	err = b.AddColumn("a", KindNumber, []any{1.0, 2.0, 3.0})
	if !errors.Is(err, ErrColumnExists) {
		t.Fatalf("expected ErrColumnExists, got %v", err)
	}
}

func TestCompleteRows(t *testing.T) {
	b := testBatch(t)
	rows := b.CompleteRows([]string{"a", "b"})
	if len(rows) != 1 || rows[0] != 2 {
		t.Fatalf("expected only row 2 complete, got %v", rows)
	}

	rows = b.CompleteRows([]string{"a"})
	if len(rows) != 2 || rows[0] != 0 || rows[1] != 2 {
		t.Fatalf("unexpected rows %v", rows)
	}

	if rows := b.CompleteRows([]string{"nope"}); len(rows) != 0 {
		t.Fatalf("missing column should make all rows incomplete, got %v", rows)
	}
}

func TestFillForwardThenZero(t *testing.T) {
	b := testBatch(t)
	b.FillForward()

	a, _ := b.Column("a")
	if a.Values[1] != 1.0 {
		t.Fatalf("expected pad of 1.0, got %v", a.Values[1])
	}
	bc, _ := b.Column("b")
	if bc.Values[0] != nil {
		t.Fatal("leading missing value should survive forward fill")
	}

	b.FillZero()
	if bc.Values[0] != 0.0 {
		t.Fatalf("expected zero fill, got %v", bc.Values[0])
	}
	name, _ := b.Column("name")
	if name.Values[0] != "" || name.Values[1] != "" {
		t.Fatalf("text should zero fill to empty string, got %v", name.Values)
	}
	if len(b.CompleteRows(b.ColumnNames())) != 3 {
		t.Fatal("every row should be complete after filling")
	}
}

func TestCloneIsDeep(t *testing.T) {
	b := testBatch(t)
	c := b.Clone()
	if err := c.Set("a", 1, 9.0); err != nil {
		t.Fatal(err)
	}
	a, _ := b.Column("a")
	if a.Values[1] != nil {
		t.Fatal("clone mutated the original")
	}
}

func TestValues(t *testing.T) {
	b := testBatch(t)
	vals, err := b.Values([]int{0, 2}, []string{"b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 2 || vals[0][0] != nil || vals[0][1] != 1.0 || vals[1][0] != 4.0 {
		t.Fatalf("unexpected values %v", vals)
	}
	if _, err := b.Values([]int{0}, []string{"zzz"}); !errors.Is(err, ErrColumnMissing) {
		t.Fatalf("expected ErrColumnMissing, got %v", err)
	}
}

func TestSortByTime(t *testing.T) {
	base := time.Date(2022, 1, 24, 0, 0, 0, 0, time.UTC)
	b := New([]Key{
		{EntityID: "d2", Timestamp: base.Add(time.Hour)},
		{EntityID: "d1", Timestamp: base},
	})
	if err := b.AddColumn("v", KindNumber, []any{2.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	b.SortByTime()
	v, _ := b.Column("v")
	if b.Index[0].EntityID != "d1" || v.Values[0] != 1.0 {
		t.Fatalf("rows not sorted: %+v %v", b.Index, v.Values)
	}
	max, ok := b.MaxTimestamp()
	if !ok || !max.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected max timestamp %s", max)
	}
}

func TestFromRows(t *testing.T) {
	b, err := FromRows([]map[string]any{
		{"deviceid": "d1", "evt_timestamp": "2022-01-24T00:00:00Z", "temp": 1.5},
		{"deviceid": "d2", "evt_timestamp": 1672406408279.0, "temp": nil, "label": "hot"},
	}, DefaultEntityColumn, DefaultTimestampColumn)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", b.Len())
	}
	if b.Index[1].EntityID != "d2" || b.Index[1].Timestamp.Day() != 30 {
		t.Fatalf("bad index %+v", b.Index[1])
	}
	temp, _ := b.Column("temp")
	if temp.Kind != KindNumber || temp.Values[1] != nil {
		t.Fatalf("bad temp column %+v", temp)
	}
	label, _ := b.Column("label")
	if label.Kind != KindText || label.Values[0] != nil {
		t.Fatalf("bad label column %+v", label)
	}
	ts, _ := b.Column("evt_timestamp")
	if ts.Kind != KindTimestamp {
		t.Fatalf("timestamp column should be typed, got %s", ts.Kind)
	}

	rows := b.Rows(DefaultEntityColumn, DefaultTimestampColumn)
	if rows[0]["deviceid"] != "d1" || rows[0]["temp"] != 1.5 {
		t.Fatalf("bad row view %+v", rows[0])
	}

	if _, err := FromRows([]map[string]any{{"deviceid": "d1"}}, DefaultEntityColumn, DefaultTimestampColumn); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
}
