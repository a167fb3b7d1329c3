package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
)

const (
	LogTable        = "kpi_logging"
	CheckpointTable = "kpi_checkpoint"

	DefaultLogRows = 100
)

// NormalizeTableName folds a name to the lower case identifier postgres stores unquoted names as
func NormalizeTableName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(n)
}

// BuildDataQuery selects an entity table's rows between optional inclusive bounds, optionally
// limited to some entities, ordered by time
func BuildDataQuery(tableName, timestampColumn string, start, end *time.Time, entities []string) (string, []any) {
	ts := pgx.Identifier{timestampColumn}.Sanitize()
	var (
		where []string
		args  []any
	)
	if start != nil {
		args = append(args, start.UTC())
		where = append(where, fmt.Sprintf("%s >= $%d", ts, len(args)))
	}
	if end != nil {
		args = append(args, end.UTC())
		where = append(where, fmt.Sprintf("%s <= $%d", ts, len(args)))
	}
	if entities != nil {
		args = append(args, entities)
		where = append(where, fmt.Sprintf("%s = ANY($%d)", pgx.Identifier{EntityColumn}.Sanitize(), len(args)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(pgx.Identifier{tableName}.Sanitize())
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(ts)
	sb.WriteString(", ")
	sb.WriteString(pgx.Identifier{EntityColumn}.Sanitize())
	return sb.String(), args
}

// BuildLogQuery selects the most recent log entries of an entity type, newest first
func BuildLogQuery(entityType string, rows int) (string, []any) {
	if rows <= 0 {
		rows = DefaultLogRows
	}
	q := `SELECT id, entity_type, function_name, status, rows_scored, rows_skipped, message, timestamp_utc
FROM ` + LogTable + `
WHERE entity_type = $1
ORDER BY timestamp_utc DESC
LIMIT $2`
	return q, []any{entityType, rows}
}
