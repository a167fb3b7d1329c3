package wml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestCredentialsValidate(t *testing.T) {
	err := Credentials{APIKey: "k", URL: "u"}.Validate()
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if err := (Credentials{APIKey: "k", URL: "u", SpaceID: "s", DeploymentID: "d"}).Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestScoreFlow(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("apikey") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/ml/v4/deployments/dep1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("space_id") != "space1" {
			t.Errorf("missing space id, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"metadata":{"id":"dep1","name":"chf"},"entity":{"status":{"state":"ready"}}}`))
	})
	mux.HandleFunc("/ml/v4/deployments/dep1/predictions", func(w http.ResponseWriter, r *http.Request) {
		var p ScoringPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Error(err)
		}
		if len(p.InputData) != 1 || p.InputData[0].Fields[0] != "A" {
			t.Errorf("bad payload %+v", p)
		}
		w.Write([]byte(`{"predictions":[{"fields":["prediction"],"values":[[1.5],[2.5]]}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(Credentials{
		APIKey:       "secret",
		URL:          srv.URL,
		SpaceID:      "space1",
		DeploymentID: "dep1",
		IAMURL:       srv.URL + "/identity/token",
	}, srv.Client())

	ctx := context.Background()
	if err := c.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	d, err := c.DeploymentDetails(ctx, "dep1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Entity.Status.State != "ready" {
		t.Fatalf("unexpected deployment %+v", d)
	}
	res, err := c.Score(ctx, "dep1", ScoringPayload{InputData: []InputData{{
		Fields: []string{"A"},
		Values: [][]any{{1.0}, {2.0}},
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Values()) != 2 || res.Values()[1][0] != 2.5 {
		t.Fatalf("unexpected values %+v", res.Values())
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Fatalf("token should be cached, got %d iam calls", n)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorCode":"BXNIM0415E"}`))
	}))
	defer srv.Close()

	c := NewClient(Credentials{APIKey: "bad", URL: srv.URL, IAMURL: srv.URL}, srv.Client())
	err := c.Authenticate(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected APIError 400, got %v", err)
	}
}

func TestValuesEmpty(t *testing.T) {
	var r *ScoringResponse
	if r.Values() != nil {
		t.Fatal("nil response should have no values")
	}
	if (&ScoringResponse{}).Values() != nil {
		t.Fatal("empty response should have no values")
	}
}
