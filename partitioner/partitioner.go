package partitioner

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danthegoodman1/kpibridge/table"
)

type (
	// PartitionPlan renders one path segment as As=Func(Args...)
	PartitionPlan struct {
		Func string   `yaml:"func" json:"func"`
		Args []string `yaml:"args" json:"args"`
		As   string   `yaml:"as" json:"as"`
	}

	PartitionFunc func(row map[string]any, args []string) (string, error)
)

var (
	Functions = make(map[string]PartitionFunc)
	register  sync.Once

	ErrFuncNotFound = errors.New("partition function not found")

	ErrMissingArgs       = errors.New("missing args")
	ErrMissingColumns    = errors.New("missing one or more columns specified in args")
	ErrInvalidColumnType = errors.New("invalid column type")
)

func timeFunc(f func(t time.Time) string) PartitionFunc {
	return func(row map[string]any, args []string) (string, error) {
		t, err := parseTimeArg(row, args)
		if err != nil {
			return "", fmt.Errorf("error in parseTimeArg: %w", err)
		}
		return f(t.UTC()), nil
	}
}

func RegisterFunctions() {
	register.Do(func() {
		Functions["toYear"] = timeFunc(func(t time.Time) string {
			return fmt.Sprint(t.Year())
		})
		Functions["toMonth"] = timeFunc(func(t time.Time) string {
			return fmt.Sprint(int(t.Month()))
		})
		Functions["toDay"] = timeFunc(func(t time.Time) string {
			return fmt.Sprint(t.Day())
		})
		Functions["toHour"] = timeFunc(func(t time.Time) string {
			return fmt.Sprint(t.Hour())
		})
		Functions["toYearDay"] = timeFunc(func(t time.Time) string {
			return fmt.Sprint(t.YearDay())
		})
		Functions["toYearWeek"] = timeFunc(func(t time.Time) string {
			_, w := t.ISOWeek()
			return fmt.Sprint(w)
		})
		Functions["toWeekDay"] = timeFunc(func(t time.Time) string {
			return t.Weekday().String()
		})
	})
}

// GetRowPartition joins the plan's segments for a row, like y=2023/m=1/d=24
func GetRowPartition(row map[string]any, partitioners []PartitionPlan) (string, error) {
	RegisterFunctions()
	var finalParts []string
	for _, partFunc := range partitioners {
		f, ok := Functions[partFunc.Func]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrFuncNotFound, partFunc.Func)
		}

		s, err := f(row, partFunc.Args)
		if err != nil {
			return "", fmt.Errorf("error processing partition function %s: %w", partFunc.Func, err)
		}
		finalParts = append(finalParts, fmt.Sprintf("%s=%s", partFunc.As, s))
	}
	return strings.Join(finalParts, "/"), nil
}

// DefaultPlan partitions by year, month and day of the given timestamp column
func DefaultPlan(tsCol string) []PartitionPlan {
	return []PartitionPlan{
		{Func: "toYear", Args: []string{tsCol}, As: "y"},
		{Func: "toMonth", Args: []string{tsCol}, As: "m"},
		{Func: "toDay", Args: []string{tsCol}, As: "d"},
	}
}

func parseTimeArg(row map[string]any, args []string) (time.Time, error) {
	if len(args) == 0 {
		return time.Time{}, ErrMissingArgs
	}

	key := args[0]
	if key == "now()" {
		return time.Now(), nil
	}

	value, exists := row[key]
	if !exists {
		return time.Time{}, ErrMissingColumns
	}
	switch value.(type) {
	case time.Time, string, float64, int64:
	default:
		return time.Time{}, ErrInvalidColumnType
	}
	t, err := table.ParseTimestamp(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("error in ParseTimestamp: %w", err)
	}
	return t, nil
}
