package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/metastore"
	"github.com/danthegoodman1/kpibridge/scoring"
	"github.com/jackc/pgx/v4/pgxpool"
)

var (
	logger = gologger.Component("pipeline")

	ErrEntityTypeNotFound = errors.New("entity type not found")
	ErrFunctionNotFound   = errors.New("function not found")
)

type (
	// OpenFunc ensures and registers an entity type, catalog.Open unless replaced
	OpenFunc func(ctx context.Context, def catalog.Definition) (*catalog.EntityType, catalog.Response, error)

	Deps struct {
		Pool       *pgxpool.Pool
		Catalog    *catalog.Client
		MetaStore  metastore.MetaStore
		HTTPClient *http.Client
		Open       OpenFunc
	}

	Registry struct {
		metaStore     metastore.MetaStore
		entityTypes   map[string]*catalog.EntityType
		registrations map[string]catalog.Response
		functions     map[string]*scoring.Scorer
		jobs          []Job
	}
)

// Build seeds the constants, then opens every entity type and constructs every scorer.
// Any failure is fatal configuration.
func Build(ctx context.Context, cfg *Config, deps Deps) (*Registry, error) {
	open := deps.Open
	if open == nil {
		open = func(ctx context.Context, def catalog.Definition) (*catalog.EntityType, catalog.Response, error) {
			return catalog.Open(ctx, deps.Pool, deps.Catalog, def)
		}
	}

	if len(cfg.Constants) > 0 {
		if deps.MetaStore == nil {
			return nil, fmt.Errorf("constants configured without a metastore")
		}
		values, err := cfg.ConstantValues()
		if err != nil {
			return nil, err
		}
		for name, v := range values {
			if err := deps.MetaStore.SetConstant(ctx, name, v); err != nil {
				return nil, fmt.Errorf("error seeding constant %s: %w", name, err)
			}
		}
		logger.Debug().Int("constants", len(values)).Msg("seeded constants")
	}

	r := &Registry{
		metaStore:     deps.MetaStore,
		entityTypes:   map[string]*catalog.EntityType{},
		registrations: map[string]catalog.Response{},
		functions:     map[string]*scoring.Scorer{},
	}
	for _, etc := range cfg.EntityTypes {
		et, res, err := open(ctx, etc.Definition())
		if err != nil {
			return nil, fmt.Errorf("error opening entity type %s: %w", etc.Name, err)
		}
		if res.StatusCode >= 300 {
			logger.Warn().Str("entityType", etc.Name).Int("status", res.StatusCode).Bytes("body", res.Body).Msg("catalog did not accept registration")
		}
		r.entityTypes[etc.Name] = et
		r.registrations[etc.Name] = res

		for _, fc := range etc.Functions {
			sc, err := fc.ScoringConfig()
			if err != nil {
				return nil, fmt.Errorf("function %s: %w", fc.Name, err)
			}
			s, err := scoring.New(ctx, sc, scoring.WithMetaStore(deps.MetaStore), scoring.WithHTTPClient(deps.HTTPClient))
			if err != nil {
				return nil, fmt.Errorf("error creating scorer %s: %w", fc.Name, err)
			}
			r.functions[fc.Name] = s
			r.jobs = append(r.jobs, Job{
				Source:    et,
				Scorer:    s,
				Archive:   etc.Archive,
				Partition: etc.Partition,
			})
		}
	}
	return r, nil
}

func (r *Registry) EntityType(name string) (*catalog.EntityType, error) {
	et, ok := r.entityTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityTypeNotFound, name)
	}
	return et, nil
}

func (r *Registry) Function(name string) (*scoring.Scorer, error) {
	s, ok := r.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return s, nil
}

// Registration is the catalog response the entity type got at startup
func (r *Registry) Registration(name string) (catalog.Response, bool) {
	res, ok := r.registrations[name]
	return res, ok
}

func (r *Registry) EntityTypeNames() []string {
	names := make([]string, 0, len(r.entityTypes))
	for n := range r.entityTypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Jobs() []Job {
	return append([]Job(nil), r.jobs...)
}

// JobsFor returns the jobs of one entity type
func (r *Registry) JobsFor(entityType string) []Job {
	var jobs []Job
	for _, j := range r.jobs {
		if j.Source.Name() == entityType {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// ConstantNames lists the constants named credentials can resolve against, without their values
func (r *Registry) ConstantNames(ctx context.Context) ([]string, error) {
	if r.metaStore == nil {
		return []string{}, nil
	}
	names, err := r.metaStore.ListConstants(ctx)
	if err != nil {
		return nil, fmt.Errorf("error in ListConstants: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
