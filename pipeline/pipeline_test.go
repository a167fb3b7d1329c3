package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/datastore"
	"github.com/danthegoodman1/kpibridge/metastore"
	"github.com/danthegoodman1/kpibridge/scoring"
	"github.com/danthegoodman1/kpibridge/table"
)

const testConfig = `
constants:
  my_deployed_endpoint_wml_credentials:
    apikey: sekrit
    url: https://us-south.ml.cloud.ibm.com
    space_id: space-1
    deployment_id: dep-1
entity_types:
  - name: Boiler
    archive: true
    columns:
      - name: temperature
        type: NUMBER
      - name: pressure
        type: NUMBER
    partition:
      - func: toYear
        args: [evt_timestamp]
        as: y
    functions:
      - name: InvokeWMLCHF
        input_items: [temperature, pressure]
        output_items: [chf]
        wml_auth: constant
        wml_credentials_constant: my_deployed_endpoint_wml_credentials
      - name: BoilerClass
        input_items: [temperature]
        output_items: [label, score]
        wml_apikey: k
        wml_url: https://wml
        wml_space_id: s
        wml_deployment_id: d
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.EntityTypes) != 1 || cfg.EntityTypes[0].TimestampColumn != table.DefaultTimestampColumn {
		t.Fatalf("unexpected config %+v", cfg.EntityTypes)
	}
	et := cfg.EntityTypes[0]
	if len(et.Functions) != 2 || len(et.Partition) != 1 || et.Partition[0].As != "y" {
		t.Fatalf("unexpected entity type %+v", et)
	}

	src, err := et.Functions[0].CredentialSource()
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := src.(scoring.Named); !ok || n.Name != "my_deployed_endpoint_wml_credentials" {
		t.Fatalf("unexpected source %#v", src)
	}
	src, err = et.Functions[1].CredentialSource()
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := src.(scoring.Fields); !ok || f.DeploymentID != "d" {
		t.Fatalf("unexpected source %#v", src)
	}

	values, err := cfg.ConstantValues()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(values["my_deployed_endpoint_wml_credentials"]), `"deployment_id":"dep-1"`) {
		t.Fatalf("unexpected constant %s", values["my_deployed_endpoint_wml_credentials"])
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"duplicate function": `
entity_types:
  - name: a
    functions:
      - {name: f, output_items: [x]}
      - {name: f, output_items: [x]}
`,
		"bad outputs": `
entity_types:
  - name: a
    functions:
      - {name: f, output_items: [x, y, z]}
`,
		"bad auth": `
entity_types:
  - name: a
    functions:
      - {name: f, output_items: [x], wml_auth: oauth}
`,
	}
	for name, c := range cases {
		if _, err := ParseConfig([]byte(c)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
	_, err := ParseConfig([]byte("entity_types: [{name: a}, {name: a}]"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(p, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(p); err != nil {
		t.Fatal(err)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	store := metastore.NewMemoryMetaStore()
	var opened []string
	r, err := Build(context.Background(), cfg, Deps{
		MetaStore: store,
		Open: func(ctx context.Context, def catalog.Definition) (*catalog.EntityType, catalog.Response, error) {
			opened = append(opened, def.Name)
			return catalog.New(nil, nil, def), catalog.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(opened) != 1 || opened[0] != "Boiler" {
		t.Fatalf("unexpected opened %v", opened)
	}
	if _, err := store.GetConstant(context.Background(), "my_deployed_endpoint_wml_credentials"); err != nil {
		t.Fatal("constant should be seeded", err)
	}

	s, err := r.Function("InvokeWMLCHF")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.String(), "dep-1") {
		t.Fatalf("named credentials not resolved: %s", s)
	}
	if _, err := r.Function("nope"); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expected ErrFunctionNotFound, got %v", err)
	}
	if _, err := r.EntityType("nope"); !errors.Is(err, ErrEntityTypeNotFound) {
		t.Fatalf("expected ErrEntityTypeNotFound, got %v", err)
	}
	if len(r.Jobs()) != 2 || len(r.JobsFor("Boiler")) != 2 || len(r.JobsFor("Other")) != 0 {
		t.Fatal("unexpected jobs")
	}
	if res, ok := r.Registration("Boiler"); !ok || res.StatusCode != 200 {
		t.Fatal("registration response should be kept")
	}
}

func TestBuildRegistryMissingConstant(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
entity_types:
  - name: a
    functions:
      - {name: f, output_items: [x], wml_credentials_constant: missing}
`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Build(context.Background(), cfg, Deps{
		MetaStore: metastore.NewMemoryMetaStore(),
		Open: func(ctx context.Context, def catalog.Definition) (*catalog.EntityType, catalog.Response, error) {
			return catalog.New(nil, nil, def), catalog.Response{}, nil
		},
	})
	if !errors.Is(err, scoring.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

type fakeSource struct {
	batch       *table.Batch
	checkpoint  time.Time
	hasCP       bool
	gotStart    *time.Time
	logs        []catalog.LogEntry
	checkpoints []time.Time
}

func (f *fakeSource) Name() string            { return "Boiler" }
func (f *fakeSource) TimestampColumn() string { return table.DefaultTimestampColumn }

func (f *fakeSource) GetData(_ context.Context, start, _ *time.Time, _ []string) (*table.Batch, error) {
	f.gotStart = start
	return f.batch, nil
}

func (f *fakeSource) WriteLog(_ context.Context, e catalog.LogEntry) error {
	f.logs = append(f.logs, e)
	return nil
}

func (f *fakeSource) Checkpoint(context.Context, string) (time.Time, bool, error) {
	return f.checkpoint, f.hasCP, nil
}

func (f *fakeSource) SetCheckpoint(_ context.Context, _ string, ts time.Time) error {
	f.checkpoints = append(f.checkpoints, ts)
	return nil
}

type fakeExecutor struct {
	status scoring.Status
	err    error
}

func (f *fakeExecutor) Name() string { return "InvokeWMLCHF" }

func (f *fakeExecutor) Execute(_ context.Context, b *table.Batch) (scoring.Outcome, error) {
	if f.err != nil {
		return scoring.Outcome{Batch: b}, f.err
	}
	out := b.Clone()
	c := out.EnsureColumn("chf", table.KindNumber)
	for i := range c.Values {
		c.Values[i] = 1.0
	}
	return scoring.Outcome{Batch: out, Status: f.status, RowsScored: out.Len()}, nil
}

var base = time.Date(2023, 1, 24, 10, 0, 0, 0, time.UTC)

func testBatch(t *testing.T) *table.Batch {
	t.Helper()
	b := table.New([]table.Key{
		{EntityID: "b1", Timestamp: base},
		{EntityID: "b2", Timestamp: base.Add(time.Minute)},
	})
	if err := b.AddColumn("temperature", table.KindNumber, []any{1.0, 2.0}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRunOnceAdvancesCheckpoint(t *testing.T) {
	src := &fakeSource{batch: testBatch(t), checkpoint: base.Add(-time.Hour), hasCP: true}
	r := NewRunner(nil)
	res, err := r.RunOnce(context.Background(), Job{Source: src, Scorer: &fakeExecutor{status: scoring.StatusScored}})
	if err != nil {
		t.Fatal(err)
	}
	if src.gotStart == nil || !src.gotStart.Equal(base.Add(-time.Hour+time.Microsecond)) {
		t.Fatalf("unexpected start %v", src.gotStart)
	}
	if res.Status != string(scoring.StatusScored) || res.RowsScored != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(src.checkpoints) != 1 || !src.checkpoints[0].Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected checkpoints %v", src.checkpoints)
	}
	if len(src.logs) != 1 || src.logs[0].FunctionName != "InvokeWMLCHF" || src.logs[0].RowsScored != 2 {
		t.Fatalf("unexpected logs %+v", src.logs)
	}
}

func TestRunOnceKeepsCheckpointOnServiceFailure(t *testing.T) {
	src := &fakeSource{batch: testBatch(t)}
	r := NewRunner(nil)
	res, err := r.RunOnce(context.Background(), Job{Source: src, Scorer: &fakeExecutor{status: scoring.StatusServiceFailed}})
	if err != nil {
		t.Fatal(err)
	}
	if src.gotStart != nil {
		t.Fatal("first run should read from the beginning")
	}
	if res.Status != string(scoring.StatusServiceFailed) || len(src.checkpoints) != 0 || len(src.logs) != 1 {
		t.Fatalf("unexpected result %+v, checkpoints %v", res, src.checkpoints)
	}
}

func TestRunOnceFatalScorerError(t *testing.T) {
	src := &fakeSource{batch: testBatch(t)}
	r := NewRunner(nil)
	res, err := r.RunOnce(context.Background(), Job{Source: src, Scorer: &fakeExecutor{err: errors.New("iam down")}})
	if err == nil || res.Status != StatusFailed {
		t.Fatalf("expected a failed run, got %+v %v", res, err)
	}
	if len(src.logs) != 1 || src.logs[0].Status != StatusFailed || len(src.checkpoints) != 0 {
		t.Fatalf("unexpected logs %+v", src.logs)
	}
}

func TestRunOnceNoData(t *testing.T) {
	src := &fakeSource{batch: table.New(nil)}
	r := NewRunner(nil)
	res, err := r.RunOnce(context.Background(), Job{Source: src, Scorer: &fakeExecutor{status: scoring.StatusScored}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusNoData || len(src.logs) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunOnceArchives(t *testing.T) {
	root := t.TempDir()
	store, err := datastore.NewDiskDataStore(root)
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{batch: testBatch(t)}
	r := NewRunner(NewStoreArchiver(store, nil))
	res, err := r.RunOnce(context.Background(), Job{
		Source:  src,
		Scorer:  &fakeExecutor{status: scoring.StatusScored},
		Archive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Part == nil {
		t.Fatal("expected an archived part")
	}
	p := res.Part
	if !strings.HasPrefix(p.FilePath, "entity=boiler/y=2023/m=1/d=24/b_") || p.RowCount != 2 {
		t.Fatalf("unexpected part %+v", p)
	}
	if !p.MinTimestamp.Equal(base) || !p.MaxTimestamp.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected bounds %+v", p)
	}
	b, err := store.ReadFile(context.Background(), p.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(b)) != p.Bytes || string(b[:4]) != "PAR1" {
		t.Fatal("archived file is not a parquet file")
	}
}
