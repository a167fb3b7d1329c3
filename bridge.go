package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/crdb"
	"github.com/danthegoodman1/kpibridge/datastore"
	"github.com/danthegoodman1/kpibridge/metastore"
	"github.com/danthegoodman1/kpibridge/pipeline"
	"github.com/danthegoodman1/kpibridge/utils"
)

type (
	// KPIBridge holds the long lived stores and the pipeline built on them
	KPIBridge struct {
		MetaStore metastore.MetaStore
		DataStore datastore.DataStore
		Registry  *pipeline.Registry
		Runner    *pipeline.Runner
	}
)

func newMetaStore(ctx context.Context, kind string) (metastore.MetaStore, error) {
	switch kind {
	case "postgres":
		return metastore.NewPGMetaStore(crdb.PGPool), nil
	case "redis":
		return metastore.NewRedisMetaStore(ctx)
	case "memory":
		return metastore.NewMemoryMetaStore(), nil
	default:
		return nil, fmt.Errorf("unknown metastore %q", kind)
	}
}

func NewKPIBridge(ctx context.Context) (*KPIBridge, error) {
	ms, err := newMetaStore(ctx, utils.METASTORE)
	if err != nil {
		return nil, fmt.Errorf("error creating metastore: %w", err)
	}
	ds, err := datastore.New(utils.DATASTORE)
	if err != nil {
		return nil, fmt.Errorf("error creating datastore: %w", err)
	}

	cfg, err := pipeline.LoadConfig(utils.PIPELINE_FILE)
	if err != nil {
		return nil, fmt.Errorf("error loading pipeline config: %w", err)
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	reg, err := pipeline.Build(ctx, cfg, pipeline.Deps{
		Pool:       crdb.PGPool,
		Catalog:    catalog.NewClient(catalog.ClientConfigFromEnv(), httpClient),
		MetaStore:  ms,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("error building pipeline: %w", err)
	}

	return &KPIBridge{
		MetaStore: ms,
		DataStore: ds,
		Registry:  reg,
		Runner:    pipeline.NewRunner(pipeline.NewStoreArchiver(ds, crdb.PGPool)),
	}, nil
}

func (kb *KPIBridge) Shutdown(ctx context.Context) error {
	if err := kb.DataStore.Shutdown(ctx); err != nil {
		return fmt.Errorf("error in DataStore.Shutdown: %w", err)
	}
	if err := kb.MetaStore.Shutdown(ctx); err != nil {
		return fmt.Errorf("error in MetaStore.Shutdown: %w", err)
	}
	return nil
}
