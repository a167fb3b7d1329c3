package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danthegoodman1/kpibridge/metastore"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/wml"
)

type fakeClient struct {
	authErr   error
	authCalls int
	space     string

	scoreErr error
	response *wml.ScoringResponse
	payloads []wml.ScoringPayload
}

func (f *fakeClient) Authenticate(context.Context) error {
	f.authCalls++
	return f.authErr
}

func (f *fakeClient) SetDefaultSpace(spaceID string) {
	f.space = spaceID
}

func (f *fakeClient) DeploymentDetails(context.Context, string) (*wml.Deployment, error) {
	return &wml.Deployment{}, nil
}

func (f *fakeClient) Score(_ context.Context, _ string, p wml.ScoringPayload) (*wml.ScoringResponse, error) {
	f.payloads = append(f.payloads, p)
	return f.response, f.scoreErr
}

var testCreds = wml.Credentials{APIKey: "sekrit-key", URL: "http://wml", SpaceID: "space", DeploymentID: "dep"}

func newTestScorer(t *testing.T, fc *fakeClient, inputs []string, out Output, fill FillPolicy) *Scorer {
	t.Helper()
	s, err := New(context.Background(), Config{
		Name:        "InvokeWMLCHF",
		InputItems:  inputs,
		Output:      out,
		Credentials: Inline{Credentials: testCreds},
		Fill:        fill,
	}, WithClientFactory(func(wml.Credentials) ModelClient { return fc }))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func threeRowBatch(t *testing.T) *table.Batch {
	t.Helper()
	base := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	b := table.New([]table.Key{
		{EntityID: "p1", Timestamp: base},
		{EntityID: "p1", Timestamp: base.Add(time.Minute)},
		{EntityID: "p1", Timestamp: base.Add(2 * time.Minute)},
	})
	if err := b.AddColumn("a", table.KindNumber, []any{1.0, 2.0, nil}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddColumn("b", table.KindNumber, []any{10.0, 20.0, 30.0}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddColumn("duid", table.KindNumber, []any{-0.0123, 0.5, 1.25}); err != nil {
		t.Fatal(err)
	}
	return b
}

func predictions(rows ...[]any) *wml.ScoringResponse {
	return &wml.ScoringResponse{Predictions: []wml.Prediction{{Values: rows}}}
}

func TestOutputFromItems(t *testing.T) {
	out, err := OutputFromItems([]string{"pred"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(Regression); !ok {
		t.Fatalf("one item should be regression, got %T", out)
	}
	out, err = OutputFromItems([]string{"label", "score"})
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := out.(Classification); !ok || c.ScoreColumn != "score" {
		t.Fatalf("two items should be classification, got %+v", out)
	}
	if _, err := OutputFromItems(nil); !errors.Is(err, ErrBadOutputItems) {
		t.Fatalf("expected ErrBadOutputItems, got %v", err)
	}
	if _, err := OutputFromItems([]string{"a", "b", "c"}); !errors.Is(err, ErrBadOutputItems) {
		t.Fatalf("expected ErrBadOutputItems, got %v", err)
	}
}

func TestCredentialResolution(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryMetaStore()
	raw, _ := json.Marshal(testCreds)
	if err := store.SetConstant(ctx, "my_deployed_endpoint_wml_credentials", raw); err != nil {
		t.Fatal(err)
	}
	if err := store.SetConstant(ctx, "broken", json.RawMessage(`{"apikey":"k"}`)); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		src     CredentialSource
		store   metastore.MetaStore
		wantErr error
	}{
		{"inline", Inline{Credentials: testCreds}, nil, nil},
		{"named", Named{Name: "my_deployed_endpoint_wml_credentials"}, store, nil},
		{"fields", Fields{APIKey: "k", URL: "u", SpaceID: "s", DeploymentID: "d"}, nil, nil},
		{"nil source", nil, nil, ErrNoCredentials},
		{"named missing", Named{Name: "nope"}, store, ErrNoCredentials},
		{"named without store", Named{Name: "my_deployed_endpoint_wml_credentials"}, nil, ErrNoCredentials},
		{"named incomplete", Named{Name: "broken"}, store, ErrInvalidCredentials},
		{"fields without deployment", Fields{APIKey: "k", URL: "u", SpaceID: "s"}, nil, ErrInvalidCredentials},
	}
	for _, c := range cases {
		_, err := New(ctx, Config{
			Name:        c.name,
			InputItems:  []string{"a"},
			Output:      Regression{Column: "pred"},
			Credentials: c.src,
		}, WithMetaStore(c.store))
		if c.wantErr == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", c.name, err)
		}
		if c.wantErr != nil && !errors.Is(err, c.wantErr) {
			t.Fatalf("%s: expected %v, got %v", c.name, c.wantErr, err)
		}
	}
}

func TestRegressionSkipsIncompleteRows(t *testing.T) {
	fc := &fakeClient{response: predictions([]any{0.5}, []any{0.7})}
	s := newTestScorer(t, fc, []string{"a", "b"}, Regression{Column: "pred"}, FillNone)

	in := threeRowBatch(t)
	out, err := s.Execute(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusScored || out.RowsScored != 2 || out.RowsSkipped != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	p := fc.payloads[0].InputData[0]
	if strings.Join(p.Fields, ",") != "A,B" {
		t.Fatalf("fields should be upper cased, got %v", p.Fields)
	}
	if len(p.Values) != 2 || p.Values[1][0] != 2.0 || p.Values[1][1] != 20.0 {
		t.Fatalf("unexpected payload values %v", p.Values)
	}
	for _, row := range p.Values {
		if len(row) != 2 {
			t.Fatal("duid must not be sent to the model")
		}
	}

	pred, _ := out.Batch.Column("pred")
	if pred.Values[0] != 0.5 || pred.Values[1] != 0.7 || pred.Values[2] != nil {
		t.Fatalf("unexpected predictions %v", pred.Values)
	}
	if in.HasColumn("pred") {
		t.Fatal("input batch should not be mutated")
	}
	duid, _ := out.Batch.Column("duid")
	if duid.Values[0] != -0.0123 {
		t.Fatal("duid is diagnostic only and must not be rewritten")
	}
}

func TestPadZeroScoresEveryRow(t *testing.T) {
	fc := &fakeClient{response: predictions([]any{1.0}, []any{2.0}, []any{3.0})}
	s := newTestScorer(t, fc, []string{"a", "b"}, Regression{Column: "pred"}, "")

	out, err := s.Execute(context.Background(), threeRowBatch(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.RowsScored != 3 || out.RowsSkipped != 0 {
		t.Fatalf("all rows should be scored after filling, got %+v", out)
	}
	if fc.payloads[0].InputData[0].Values[2][0] != 2.0 {
		t.Fatalf("missing a should be padded from the previous row, got %v", fc.payloads[0].InputData[0].Values[2])
	}
}

func TestClassification(t *testing.T) {
	fc := &fakeClient{response: predictions(
		[]any{1.0, []any{0.9, 0.1}},
		[]any{0.0, []any{0.2, 0.8}},
	)}
	s := newTestScorer(t, fc, []string{"a", "b"}, Classification{LabelColumn: "label", ScoreColumn: "score"}, FillNone)

	out, err := s.Execute(context.Background(), threeRowBatch(t))
	if err != nil {
		t.Fatal(err)
	}
	label, _ := out.Batch.Column("label")
	score, _ := out.Batch.Column("score")
	if label.Values[0] != int64(1) || label.Values[1] != int64(0) || label.Values[2] != nil {
		t.Fatalf("unexpected labels %v", label.Values)
	}
	if score.Values[0] != 0.9 || score.Values[1] != 0.2 || score.Values[2] != nil {
		t.Fatalf("unexpected scores %v", score.Values)
	}
}

func TestEmptyResponseIsTolerated(t *testing.T) {
	fc := &fakeClient{response: &wml.ScoringResponse{}}
	s := newTestScorer(t, fc, []string{"a", "b"}, Regression{Column: "pred"}, FillNone)

	out, err := s.Execute(context.Background(), threeRowBatch(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusEmpty || !errors.Is(out.Err, ErrEmptyPrediction) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	pred, ok := out.Batch.Column("pred")
	if !ok {
		t.Fatal("missing output column should be created")
	}
	for _, v := range pred.Values {
		if v != nil {
			t.Fatal("outputs should stay null")
		}
	}
}

func TestServiceFailureIsDistinct(t *testing.T) {
	fc := &fakeClient{scoreErr: &wml.APIError{StatusCode: 503, Body: "down"}}
	s := newTestScorer(t, fc, []string{"a", "b"}, Regression{Column: "pred"}, FillNone)

	out, err := s.Execute(context.Background(), threeRowBatch(t))
	if err != nil {
		t.Fatal(err)
	}
	var serr *ServiceError
	if out.Status != StatusServiceFailed || !errors.As(out.Err, &serr) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if errors.Is(out.Err, ErrEmptyPrediction) {
		t.Fatal("service failures must not look like empty predictions")
	}
}

func TestShapeMismatchWritesNothing(t *testing.T) {
	fc := &fakeClient{response: predictions([]any{1.0})}
	s := newTestScorer(t, fc, []string{"a", "b"}, Regression{Column: "pred"}, FillNone)

	out, err := s.Execute(context.Background(), threeRowBatch(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusBadShape || !errors.Is(out.Err, ErrPredictionShape) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	pred, _ := out.Batch.Column("pred")
	if pred.Values[0] != nil {
		t.Fatal("nothing should be written on a shape mismatch")
	}
}

func TestNoInputColumns(t *testing.T) {
	fc := &fakeClient{}
	s := newTestScorer(t, fc, nil, Regression{Column: "pred"}, "")

	in := threeRowBatch(t)
	out, err := s.Execute(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Batch != in || out.Status != StatusNoInputs || !errors.Is(out.Err, ErrNoInputColumns) {
		t.Fatalf("batch should pass through unchanged, got %+v", out)
	}
	if fc.authCalls != 0 || len(fc.payloads) != 0 {
		t.Fatal("no remote calls expected")
	}
}

func TestLoginOnce(t *testing.T) {
	fc := &fakeClient{authErr: errors.New("iam down"), response: predictions([]any{1.0}, []any{2.0})}
	s := newTestScorer(t, fc, []string{"a", "b"}, Regression{Column: "pred"}, FillNone)
	ctx := context.Background()

	if _, err := s.Execute(ctx, threeRowBatch(t)); err == nil {
		t.Fatal("login failure should be fatal")
	}

	fc.authErr = nil
	for i := 0; i < 3; i++ {
		if _, err := s.Execute(ctx, threeRowBatch(t)); err != nil {
			t.Fatal(err)
		}
	}
	if fc.authCalls != 2 {
		t.Fatalf("expected one failed and one successful login, got %d calls", fc.authCalls)
	}
	if fc.space != "space" {
		t.Fatalf("default space not set, got %q", fc.space)
	}
}

func TestStringHidesAPIKey(t *testing.T) {
	s := newTestScorer(t, &fakeClient{}, []string{"a"}, Regression{Column: "pred"}, "")
	str := s.String()
	if strings.Contains(str, testCreds.APIKey) || !strings.Contains(str, "WML deployment id: dep") {
		t.Fatalf("unexpected description %q", str)
	}
}

func TestDiagnosticIDs(t *testing.T) {
	ids := diagnosticIDs(threeRowBatch(t))
	if len(ids) != 3 || ids[0] != 12 || ids[1] != 500 || ids[2] != 1250 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestExecuteAgainstHTTPEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/ml/v4/deployments/dep", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metadata":{"id":"dep"}}`))
	})
	mux.HandleFunc("/ml/v4/deployments/dep/predictions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"predictions":[{"fields":["prediction"],"values":[[11],[22]]}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := testCreds
	creds.URL = srv.URL
	creds.IAMURL = srv.URL + "/token"
	s, err := New(context.Background(), Config{
		Name:        "InvokeWMLCHF",
		InputItems:  []string{"a", "b"},
		Output:      Regression{Column: "pred"},
		Credentials: Inline{Credentials: creds},
		Fill:        FillNone,
	}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}

	out, err := s.Execute(context.Background(), threeRowBatch(t))
	if err != nil {
		t.Fatal(err)
	}
	pred, _ := out.Batch.Column("pred")
	if pred.Values[0] != 11.0 || pred.Values[1] != 22.0 || pred.Values[2] != nil {
		t.Fatalf("unexpected predictions %v", pred.Values)
	}
}
