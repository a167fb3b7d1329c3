package scoring

import (
	"errors"
	"fmt"

	"github.com/danthegoodman1/kpibridge/table"
)

var (
	ErrBadOutputItems  = errors.New("output items must name one (regression) or two (classification) columns")
	ErrPredictionShape = errors.New("prediction shape does not match the scored rows")
)

type (
	// Output is the shape predictions are written back in. One of Regression or Classification.
	Output interface {
		Columns() []string
		// write puts values[i] into row rows[i], nothing is written unless every value fits
		write(b *table.Batch, rows []int, values [][]any) error
	}

	Regression struct {
		Column string
	}

	Classification struct {
		LabelColumn string
		ScoreColumn string
	}
)

// OutputFromItems picks the output shape from a configured list of output columns
func OutputFromItems(items []string) (Output, error) {
	switch len(items) {
	case 1:
		return Regression{Column: items[0]}, nil
	case 2:
		return Classification{LabelColumn: items[0], ScoreColumn: items[1]}, nil
	default:
		return nil, fmt.Errorf("%w, got %d", ErrBadOutputItems, len(items))
	}
}

func (r Regression) Columns() []string {
	return []string{r.Column}
}

func (r Regression) write(b *table.Batch, rows []int, values [][]any) error {
	flat := flatten(values)
	if len(flat) != len(rows) {
		return fmt.Errorf("%w: %d values for %d rows", ErrPredictionShape, len(flat), len(rows))
	}
	for i, row := range rows {
		if err := b.Set(r.Column, row, flat[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c Classification) Columns() []string {
	return []string{c.LabelColumn, c.ScoreColumn}
}

func (c Classification) write(b *table.Batch, rows []int, values [][]any) error {
	if len(values) != len(rows) {
		return fmt.Errorf("%w: %d values for %d rows", ErrPredictionShape, len(values), len(rows))
	}
	labels := make([]int64, len(values))
	scores := make([]any, len(values))
	for i, v := range values {
		if len(v) < 2 {
			return fmt.Errorf("%w: row %d has %d elements, want label and scores", ErrPredictionShape, i, len(v))
		}
		label, ok := toFloat(v[0])
		if !ok {
			return fmt.Errorf("%w: row %d label %v is not numeric", ErrPredictionShape, i, v[0])
		}
		labels[i] = int64(label)

		switch s := v[1].(type) {
		case []any:
			if len(s) == 0 {
				return fmt.Errorf("%w: row %d has an empty score vector", ErrPredictionShape, i)
			}
			scores[i] = s[0]
		default:
			scores[i] = s
		}
	}

	for i, row := range rows {
		if err := b.Set(c.LabelColumn, row, labels[i]); err != nil {
			return err
		}
		if err := b.Set(c.ScoreColumn, row, scores[i]); err != nil {
			return err
		}
	}
	return nil
}

// flatten concatenates prediction rows, a row [x] contributes x
func flatten(values [][]any) []any {
	flat := make([]any, 0, len(values))
	for _, row := range values {
		for _, v := range row {
			if nested, ok := v.([]any); ok {
				flat = append(flat, nested...)
				continue
			}
			flat = append(flat, v)
		}
	}
	return flat
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
