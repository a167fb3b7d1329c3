package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/datastore"
	"github.com/danthegoodman1/kpibridge/parquet_accumulator"
	"github.com/danthegoodman1/kpibridge/part"
	"github.com/danthegoodman1/kpibridge/partitioner"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

type (
	ArchiveRequest struct {
		EntityType      string
		Function        string
		TimestampColumn string
		Partition       []partitioner.PartitionPlan
		Batch           *table.Batch
	}

	// StoreArchiver writes scored batches as parquet files to a data store and records them in
	// archived_batches when it has a pool
	StoreArchiver struct {
		store datastore.DataStore
		pool  *pgxpool.Pool
	}
)

func NewStoreArchiver(store datastore.DataStore, pool *pgxpool.Pool) *StoreArchiver {
	return &StoreArchiver{store: store, pool: pool}
}

func (a *StoreArchiver) Archive(ctx context.Context, req ArchiveRequest) (part.Part, error) {
	b := req.Batch
	if b == nil || b.Len() == 0 {
		return part.Part{}, fmt.Errorf("nothing to archive")
	}
	tsCol := req.TimestampColumn
	if tsCol == "" {
		tsCol = table.DefaultTimestampColumn
	}
	plan := req.Partition
	if len(plan) == 0 {
		plan = partitioner.DefaultPlan(tsCol)
	}

	rows := b.Rows(catalog.EntityColumn, tsCol)
	partition, err := partitioner.GetRowPartition(rows[0], plan)
	if err != nil {
		return part.Part{}, fmt.Errorf("error in GetRowPartition: %w", err)
	}

	var buf bytes.Buffer
	if _, err := parquet_accumulator.WriteBatch(b, catalog.EntityColumn, tsCol, &buf); err != nil {
		return part.Part{}, fmt.Errorf("error in WriteBatch: %w", err)
	}

	minTS, maxTS := timeBounds(b)
	p := part.Part{
		ID:           utils.GenKSortedID("b_"),
		EntityType:   req.EntityType,
		FunctionName: req.Function,
		Partition:    partition,
		Bytes:        int64(buf.Len()),
		RowCount:     int64(b.Len()),
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		CreatedAt:    time.Now(),
	}
	p.FilePath = part.FilePath(catalog.NormalizeTableName(req.EntityType), partition, p.ID)

	if err := a.store.WriteFile(ctx, p.FilePath, &buf); err != nil {
		return part.Part{}, fmt.Errorf("error in WriteFile: %w", err)
	}
	if a.pool != nil {
		if err := part.Insert(ctx, a.pool, p); err != nil {
			return part.Part{}, err
		}
	}
	zerolog.Ctx(ctx).Debug().Str("file", p.FilePath).Int64("bytes", p.Bytes).Int64("rows", p.RowCount).Msg("archived batch")
	return p, nil
}

func timeBounds(b *table.Batch) (minTS, maxTS time.Time) {
	for i, k := range b.Index {
		if i == 0 || k.Timestamp.Before(minTS) {
			minTS = k.Timestamp
		}
		if i == 0 || k.Timestamp.After(maxTS) {
			maxTS = k.Timestamp
		}
	}
	return
}
