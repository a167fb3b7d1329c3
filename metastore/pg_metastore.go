package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

type (
	// PGMetaStore keeps constants in the pipeline_constants table
	PGMetaStore struct {
		pool *pgxpool.Pool
	}
)

var pgTryTimeout = 10 * time.Second

func NewPGMetaStore(pool *pgxpool.Pool) *PGMetaStore {
	return &PGMetaStore{pool: pool}
}

func (pms *PGMetaStore) GetConstant(ctx context.Context, name string) (json.RawMessage, error) {
	var raw []byte
	err := utils.ReliableExec(ctx, pms.pool, pgTryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT value FROM pipeline_constants WHERE name = $1`, name).Scan(&raw)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConstantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting constant %s: %w", name, err)
	}
	return json.RawMessage(raw), nil
}

func (pms *PGMetaStore) SetConstant(ctx context.Context, name string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("constant %s is not valid JSON", name)
	}
	err := utils.ReliableExec(ctx, pms.pool, pgTryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
		INSERT INTO pipeline_constants (name, value, updated_utc)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_utc = excluded.updated_utc
		`, name, string(value))
		return err
	})
	if err != nil {
		return fmt.Errorf("error upserting constant %s: %w", name, err)
	}
	return nil
}

func (pms *PGMetaStore) ListConstants(ctx context.Context) ([]string, error) {
	var names []string
	err := utils.ReliableExec(ctx, pms.pool, pgTryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		names = nil
		rows, err := conn.Query(ctx, `SELECT name FROM pipeline_constants ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("error listing constants: %w", err)
	}
	return utils.ArrayOrEmpty(names), nil
}

// Shutdown is a no-op, the pool is owned by crdb
func (pms *PGMetaStore) Shutdown(_ context.Context) error {
	return nil
}
