package part

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/jackc/pgx/v4/pgxpool"
)

var StandardContextTimeout = 10 * time.Second

type (
	// Part is one archived batch file
	Part struct {
		ID           string    `json:"id"`
		EntityType   string    `json:"entity_type"`
		FunctionName string    `json:"function_name"`
		FilePath     string    `json:"file_path"`
		Partition    string    `json:"partition"`
		Bytes        int64     `json:"bytes"`
		RowCount     int64     `json:"row_count"`
		MinTimestamp time.Time `json:"min_timestamp"`
		MaxTimestamp time.Time `json:"max_timestamp"`
		CreatedAt    time.Time `json:"created_at"`
	}
)

// FilePath is the key a part is stored under, entity=<name>/<partition>/<id>.parquet
func FilePath(entityType, partition, id string) string {
	p := "entity=" + entityType
	if partition != "" {
		p += "/" + partition
	}
	return p + "/" + id + ".parquet"
}

func Insert(ctx context.Context, pool *pgxpool.Pool, p Part) error {
	err := utils.ReliableExec(ctx, pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO archived_batches (id, entity_type, function_name, file_path, partition_path, bytes, row_count, min_timestamp, max_timestamp, created_utc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.EntityType, p.FunctionName, p.FilePath, p.Partition, p.Bytes, p.RowCount, p.MinTimestamp.UTC(), p.MaxTimestamp.UTC(), p.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("error inserting part %s: %w", p.ID, err)
	}
	return nil
}

// List returns the newest parts of an entity type first
func List(ctx context.Context, pool *pgxpool.Pool, entityType string, limit int) ([]Part, error) {
	var parts []Part
	err := utils.ReliableExec(ctx, pool, StandardContextTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		parts = nil
		rows, err := conn.Query(ctx, `
			SELECT id, entity_type, function_name, file_path, partition_path, bytes, row_count, min_timestamp, max_timestamp, created_utc
			FROM archived_batches
			WHERE entity_type = $1
			ORDER BY created_utc DESC
			LIMIT $2
		`, entityType, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Part
			if err := rows.Scan(&p.ID, &p.EntityType, &p.FunctionName, &p.FilePath, &p.Partition, &p.Bytes, &p.RowCount, &p.MinTimestamp, &p.MaxTimestamp, &p.CreatedAt); err != nil {
				return err
			}
			parts = append(parts, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing parts for %s: %w", entityType, err)
	}
	return parts, nil
}
