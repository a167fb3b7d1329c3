package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

var (
	logger = gologger.Component("catalog")

	ErrUnknownColumnType = errors.New("unknown column type")

	StandardContextTimeout = 10 * time.Second
)

type (
	ColumnDef struct {
		Name string `yaml:"name" json:"name"`
		// One of NUMBER, LITERAL, TIMESTAMP, BOOLEAN
		Type string `yaml:"type" json:"type"`
	}

	// Definition describes an entity type and the metric columns of its table
	Definition struct {
		Name            string
		TimestampColumn string
		Columns         []ColumnDef
	}

	EntityType struct {
		name            string
		tableName       string
		timestampColumn string
		columns         []ColumnDef

		pool   *pgxpool.Pool
		client *Client
	}

	Params struct {
		TimestampColumn string       `json:"_timestamp"`
		TableName       string       `json:"table"`
		SourceColumns   []ColumnInfo `json:"source_table"`
	}

	LogEntry struct {
		ID           string    `json:"id"`
		EntityType   string    `json:"entity_type"`
		FunctionName string    `json:"function_name"`
		Status       string    `json:"status"`
		RowsScored   int64     `json:"rows_scored"`
		RowsSkipped  int64     `json:"rows_skipped"`
		Message      string    `json:"message"`
		TimestampUTC time.Time `json:"timestamp_utc"`
	}
)

func New(pool *pgxpool.Pool, client *Client, def Definition) *EntityType {
	ts := def.TimestampColumn
	if ts == "" {
		ts = table.DefaultTimestampColumn
	}
	return &EntityType{
		name:            def.Name,
		tableName:       NormalizeTableName(def.Name),
		timestampColumn: ts,
		columns:         def.Columns,
		pool:            pool,
		client:          client,
	}
}

// Open makes sure the entity table exists and registers the entity type with the catalog
func Open(ctx context.Context, pool *pgxpool.Pool, client *Client, def Definition) (*EntityType, Response, error) {
	et := New(pool, client, def)
	if err := et.EnsureTable(ctx); err != nil {
		return nil, Response{}, fmt.Errorf("error in EnsureTable: %w", err)
	}
	res, err := et.Register(ctx)
	if err != nil {
		return nil, Response{}, fmt.Errorf("error in Register: %w", err)
	}
	return et, res, nil
}

func (et *EntityType) Name() string {
	return et.name
}

func (et *EntityType) TableName() string {
	return et.tableName
}

func (et *EntityType) TimestampColumn() string {
	return et.timestampColumn
}

func sqlTypeFor(catalogType string) (string, error) {
	switch strings.ToUpper(catalogType) {
	case TypeNumber:
		return "DOUBLE PRECISION", nil
	case TypeLiteral:
		return "VARCHAR(256)", nil
	case TypeTimestamp:
		return "TIMESTAMP", nil
	case TypeBoolean:
		return "BOOLEAN", nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownColumnType, catalogType)
	}
}

// CreateTableStatement is the DDL of the entity table, with the reserved columns the catalog ignores
func (et *EntityType) CreateTableStatement() (string, error) {
	defs := []string{
		pgx.Identifier{EntityColumn}.Sanitize() + " VARCHAR(64) NOT NULL",
		pgx.Identifier{et.timestampColumn}.Sanitize() + " TIMESTAMP NOT NULL",
	}
	for _, c := range et.columns {
		if c.Name == EntityColumn || c.Name == et.timestampColumn || isReserved(c.Name) {
			continue
		}
		t, err := sqlTypeFor(c.Type)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", c.Name, err)
		}
		defs = append(defs, pgx.Identifier{c.Name}.Sanitize()+" "+t)
	}
	defs = append(defs,
		"logicalinterface_id VARCHAR(64)",
		"format VARCHAR(64)",
		"updated_utc TIMESTAMP NOT NULL DEFAULT now()",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		pgx.Identifier{et.tableName}.Sanitize(),
		strings.Join(defs, ",\n\t"),
	), nil
}

func (et *EntityType) EnsureTable(ctx context.Context) error {
	stmt, err := et.CreateTableStatement()
	if err != nil {
		return utils.PermError(err.Error())
	}
	err = utils.ReliableExec(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, stmt)
		var pgErr *pgconn.PgError
		// another process created it between our check and create
		if errors.As(err, &pgErr) && (pgErr.Code == "42P07" || pgErr.Code == "23505") {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("error creating table %s: %w", et.tableName, err)
	}
	logger.Debug().Str("table", et.tableName).Msg("table ensured")
	return nil
}

// Columns introspects the entity table in column order
func (et *EntityType) Columns(ctx context.Context) ([]ColumnInfo, error) {
	var cols []ColumnInfo
	err := utils.ReliableExec(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		cols = nil
		rows, err := conn.Query(ctx, `
			SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position
		`, et.tableName)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c ColumnInfo
			if err := rows.Scan(&c.Name, &c.DataType); err != nil {
				return err
			}
			cols = append(cols, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error introspecting %s: %w", et.tableName, err)
	}
	return cols, nil
}

func (et *EntityType) schemaName() string {
	if et.pool == nil {
		return ""
	}
	return et.pool.Config().ConnConfig.User
}

// Register publishes the table's columns to the catalog and returns its response unmodified
func (et *EntityType) Register(ctx context.Context) (Response, error) {
	cols, err := et.Columns(ctx)
	if err != nil {
		return Response{}, err
	}
	s := BuildSchema(cols)
	payload := RegistrationPayload(et.name, et.tableName, et.timestampColumn, et.schemaName(), s)

	res, err := et.client.PostEntityType(ctx, et.name, payload)
	if err != nil {
		return Response{}, fmt.Errorf("error in PostEntityType: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("table", et.tableName).Int("items", len(s.Items)).Strs("dates", s.Dates).Msg("metadata registered")
	return res, nil
}

func (et *EntityType) Params(ctx context.Context) (Params, error) {
	cols, err := et.Columns(ctx)
	if err != nil {
		return Params{}, err
	}
	return Params{
		TimestampColumn: et.timestampColumn,
		TableName:       et.tableName,
		SourceColumns:   cols,
	}, nil
}

// GetData reads rows with start <= ts <= end. Nil bounds and a nil entity list do not filter.
func (et *EntityType) GetData(ctx context.Context, start, end *time.Time, entities []string) (*table.Batch, error) {
	q, args := BuildDataQuery(et.tableName, et.timestampColumn, start, end, entities)
	var b *table.Batch
	err := utils.ReliableExec(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		b, err = scanBatch(rows, et.timestampColumn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error getting data for %s: %w", et.name, err)
	}
	return b, nil
}

func scanBatch(rows pgx.Rows, tsCol string) (*table.Batch, error) {
	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	kinds := make([]table.Kind, len(fields))
	for i, f := range fields {
		names[i] = string(f.Name)
		kinds[i] = kindForOID(f.DataTypeOID)
	}

	var (
		index []table.Key
		cols  = make([][]any, len(fields))
	)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		var key table.Key
		for i, v := range vals {
			v = normalizeValue(v)
			cols[i] = append(cols[i], v)
			switch names[i] {
			case EntityColumn:
				if s, ok := v.(string); ok {
					key.EntityID = s
				}
			case tsCol:
				if t, ok := v.(time.Time); ok {
					key.Timestamp = t
				}
			}
		}
		index = append(index, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	b := table.New(index)
	for i, name := range names {
		if isReserved(name) {
			continue
		}
		vals := cols[i]
		if vals == nil {
			vals = []any{}
		}
		if err := b.AddColumn(name, kinds[i], vals); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func kindForOID(oid uint32) table.Kind {
	switch oid {
	case pgtype.Float8OID, pgtype.Float4OID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.NumericOID:
		return table.KindNumber
	case pgtype.VarcharOID, pgtype.TextOID, pgtype.BPCharOID:
		return table.KindText
	case pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		return table.KindTimestamp
	default:
		return table.KindUnknown
	}
}

// normalizeValue makes every number a float64 so the scorer and the parquet writer see one type
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case pgtype.Numeric:
		var f float64
		if err := n.AssignTo(&f); err != nil {
			return nil
		}
		return f
	default:
		return v
	}
}

// GetLog returns the latest log entries of this entity type, newest first
func (et *EntityType) GetLog(ctx context.Context, rows int) ([]LogEntry, error) {
	q, args := BuildLogQuery(et.name, rows)
	var entries []LogEntry
	err := utils.ReliableExec(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		entries = nil
		r, err := conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			var e LogEntry
			if err := r.Scan(&e.ID, &e.EntityType, &e.FunctionName, &e.Status, &e.RowsScored, &e.RowsSkipped, &e.Message, &e.TimestampUTC); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return r.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error getting log for %s: %w", et.name, err)
	}
	return entries, nil
}

func (et *EntityType) WriteLog(ctx context.Context, e LogEntry) error {
	if e.ID == "" {
		e.ID = utils.GenKSortedID("log_")
	}
	if e.TimestampUTC.IsZero() {
		e.TimestampUTC = time.Now()
	}
	e.EntityType = et.name
	err := utils.ReliableExec(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO `+LogTable+` (id, entity_type, function_name, status, rows_scored, rows_skipped, message, timestamp_utc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.ID, e.EntityType, e.FunctionName, e.Status, e.RowsScored, e.RowsSkipped, e.Message, e.TimestampUTC.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("error writing log for %s: %w", et.name, err)
	}
	return nil
}

// Checkpoint returns the last processed timestamp for key, ok is false if there is none yet
func (et *EntityType) Checkpoint(ctx context.Context, key string) (ts time.Time, ok bool, err error) {
	err = utils.ReliableExec(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT last_timestamp FROM `+CheckpointTable+` WHERE entity_type = $1 AND key = $2
		`, et.name, key).Scan(&ts)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("error reading checkpoint %s/%s: %w", et.name, key, err)
	}
	return ts, true, nil
}

// SetCheckpoint moves the checkpoint for key forward, it never goes back in time
func (et *EntityType) SetCheckpoint(ctx context.Context, key string, ts time.Time) error {
	err := utils.ReliableExecInTx(ctx, et.pool, StandardContextTimeout, func(ctx context.Context, tx pgx.Tx) error {
		var current time.Time
		err := tx.QueryRow(ctx, `
			SELECT last_timestamp FROM `+CheckpointTable+` WHERE entity_type = $1 AND key = $2 FOR UPDATE
		`, et.name, key).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil && !ts.After(current) {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO `+CheckpointTable+` (entity_type, key, last_timestamp, updated_utc)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (entity_type, key) DO UPDATE SET last_timestamp = excluded.last_timestamp, updated_utc = now()
		`, et.name, key, ts.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("error setting checkpoint %s/%s: %w", et.name, key, err)
	}
	return nil
}
