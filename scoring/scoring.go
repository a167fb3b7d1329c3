package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/metastore"
	"github.com/danthegoodman1/kpibridge/metric"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/wml"
	"github.com/rs/zerolog"
)

var (
	logger = gologger.Component("scoring")

	ErrNoInputColumns  = errors.New("no input columns provided")
	ErrEmptyPrediction = errors.New("model returned no predictions")
)

// DiagnosticColumn is logged as a scaled integer magnitude before every call, never sent to the model
const DiagnosticColumn = "duid"

type (
	FillPolicy string

	Status string

	authState int

	// ModelClient is the part of the wml client the scorer uses
	ModelClient interface {
		Authenticate(ctx context.Context) error
		SetDefaultSpace(spaceID string)
		DeploymentDetails(ctx context.Context, deploymentID string) (*wml.Deployment, error)
		Score(ctx context.Context, deploymentID string, payload wml.ScoringPayload) (*wml.ScoringResponse, error)
	}

	Config struct {
		Name        string
		InputItems  []string
		Output      Output
		Credentials CredentialSource
		Fill        FillPolicy
	}

	Option func(*Scorer)

	// ServiceError wraps transport and API failures of the scoring endpoint
	ServiceError struct {
		Err error
	}

	// Outcome reports what happened to a batch. Non-fatal failures are in Err and were already logged.
	Outcome struct {
		Batch       *table.Batch
		Status      Status
		RowsScored  int
		RowsSkipped int
		Err         error
	}

	// Scorer forwards batches to a deployed model and writes the predictions back.
	// It logs in once, on the first batch that needs it.
	Scorer struct {
		name       string
		inputItems []string
		output     Output
		fill       FillPolicy
		source     CredentialSource
		creds      wml.Credentials

		store      metastore.MetaStore
		httpClient *http.Client
		newClient  func(wml.Credentials) ModelClient

		mu     sync.Mutex
		state  authState
		client ModelClient
	}
)

const (
	// FillPadZero forward fills then zero fills every column before scoring
	FillPadZero FillPolicy = "pad_zero"
	FillPad     FillPolicy = "pad"
	FillNone    FillPolicy = "none"

	StatusScored        Status = "scored"
	StatusNoInputs      Status = "no_inputs"
	StatusNoRows        Status = "no_rows"
	StatusEmpty         Status = "empty_response"
	StatusServiceFailed Status = "service_failed"
	StatusBadShape      Status = "bad_shape"
)

const (
	unauthenticated authState = iota
	authenticated
)

func (e *ServiceError) Error() string {
	return "error invoking external model: " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithMetaStore sets the attribute store Named credentials are looked up in
func WithMetaStore(store metastore.MetaStore) Option {
	return func(s *Scorer) {
		s.store = store
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Scorer) {
		s.httpClient = c
	}
}

// WithClientFactory replaces the wml client, mostly for tests
func WithClientFactory(f func(wml.Credentials) ModelClient) Option {
	return func(s *Scorer) {
		s.newClient = f
	}
}

// New resolves credentials once. Unresolvable or invalid credentials are returned as fatal errors.
func New(ctx context.Context, cfg Config, opts ...Option) (*Scorer, error) {
	s := &Scorer{
		name:       cfg.Name,
		inputItems: append([]string(nil), cfg.InputItems...),
		output:     cfg.Output,
		fill:       cfg.Fill,
		source:     cfg.Credentials,
	}
	if s.fill == "" {
		s.fill = FillPadZero
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newClient == nil {
		s.newClient = func(c wml.Credentials) ModelClient {
			return wml.NewClient(c, s.httpClient)
		}
	}

	switch s.fill {
	case FillPadZero, FillPad, FillNone:
	default:
		return nil, fmt.Errorf("unknown fill policy %q", s.fill)
	}
	if s.output == nil {
		return nil, ErrBadOutputItems
	}

	creds, err := resolveCredentials(ctx, cfg.Credentials, s.store)
	if err != nil {
		return nil, err
	}
	s.creds = creds
	logger.Info().Str("function", s.name).Str("credentials", cfg.Credentials.describe()).Msg("found credentials for WML")
	return s, nil
}

func (s *Scorer) Name() string {
	return s.name
}

func (s *Scorer) InputItems() []string {
	return append([]string(nil), s.inputItems...)
}

func (s *Scorer) Output() Output {
	return s.output
}

// String describes the adapter, the api key is never included
func (s *Scorer) String() string {
	var sb strings.Builder
	sb.WriteString("Scorer " + s.name + "\n")
	sb.WriteString("Input: " + fmt.Sprint(s.inputItems) + "\n")
	sb.WriteString("Output: " + fmt.Sprint(s.output.Columns()) + "\n")
	if s.source != nil {
		sb.WriteString("WML auth: " + s.source.describe() + "\n")
	}
	sb.WriteString("WML endpoint: " + s.creds.URL + "\n")
	sb.WriteString("WML space id: " + s.creds.SpaceID + "\n")
	sb.WriteString("WML deployment id: " + s.creds.DeploymentID + "\n")
	return sb.String()
}

// Login authenticates, sets the default space and checks the deployment.
// It runs at most once successfully, a failed login leaves the scorer unauthenticated.
func (s *Scorer) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == authenticated {
		return nil
	}

	c := s.newClient(s.creds)
	if err := c.Authenticate(ctx); err != nil {
		return fmt.Errorf("error authenticating with WML: %w", err)
	}
	c.SetDefaultSpace(s.creds.SpaceID)

	d, err := c.DeploymentDetails(ctx, s.creds.DeploymentID)
	if err != nil {
		return fmt.Errorf("error checking deployment %s: %w", s.creds.DeploymentID, err)
	}
	logger.Debug().Str("function", s.name).Str("deploymentName", d.Metadata.Name).Str("state", d.Entity.Status.State).Msg("deployment details check")

	s.client = c
	s.state = authenticated
	return nil
}

// Execute scores a batch. The returned error is only set for fatal login failures,
// everything else is logged and reported through the Outcome with the batch passed along.
func (s *Scorer) Execute(ctx context.Context, in *table.Batch) (Outcome, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", s.name).Logger()

	if len(s.inputItems) == 0 {
		logger.Error().Msg("no input columns provided, forwarding all")
		return s.done(Outcome{Batch: in, Status: StatusNoInputs, Err: ErrNoInputColumns}), nil
	}

	b := in.Clone()
	switch s.fill {
	case FillPadZero:
		b.FillForward()
		b.FillZero()
	case FillPad:
		b.FillForward()
	}
	for _, col := range s.output.Columns() {
		b.EnsureColumn(col, table.KindNumber)
	}

	if err := s.Login(ctx); err != nil {
		return Outcome{Batch: in}, err
	}

	if d := diagnosticIDs(b); len(d) > 0 {
		logger.Debug().Ints64("duid", d).Msg("diagnostic ids")
	}

	rows := b.CompleteRows(s.inputItems)
	skipped := b.Len() - len(rows)
	if len(rows) == 0 {
		logger.Warn().Int("rows", b.Len()).Msg("no complete rows to score")
		return s.done(Outcome{Batch: b, Status: StatusNoRows, RowsSkipped: skipped}), nil
	}

	values, err := b.Values(rows, s.inputItems)
	if err != nil {
		return Outcome{Batch: in}, fmt.Errorf("error building payload values: %w", err)
	}
	payload := wml.ScoringPayload{
		InputData: []wml.InputData{{
			Fields: upper(s.inputItems),
			Values: values,
		}},
	}
	logger.Debug().Strs("fields", payload.InputData[0].Fields).Int("rows", len(values)).Int("skipped", skipped).Msg("scoring payload")

	start := time.Now()
	res, err := s.client.Score(ctx, s.creds.DeploymentID, payload)
	metric.Timing(metric.ScoringRequestLatency, time.Since(start), []string{metric.TagAsString(metric.TagFunction, s.name)})
	if err != nil {
		serr := &ServiceError{Err: err}
		logger.Error().Err(serr).Msg("error invoking external model")
		return s.done(Outcome{Batch: b, Status: StatusServiceFailed, RowsSkipped: b.Len(), Err: serr}), nil
	}

	predictions := res.Values()
	if len(predictions) == 0 {
		logger.Error().Msg("error invoking external model, empty response")
		return s.done(Outcome{Batch: b, Status: StatusEmpty, RowsSkipped: b.Len(), Err: ErrEmptyPrediction}), nil
	}

	if err := s.output.write(b, rows, predictions); err != nil {
		logger.Error().Err(err).Int("rows", len(rows)).Int("predictions", len(predictions)).Msg("prediction shape mismatch")
		return s.done(Outcome{Batch: b, Status: StatusBadShape, RowsSkipped: b.Len(), Err: err}), nil
	}

	logger.Debug().Int("scored", len(rows)).Int("skipped", skipped).Msg("wrote predictions")
	return s.done(Outcome{Batch: b, Status: StatusScored, RowsScored: len(rows), RowsSkipped: skipped}), nil
}

func (s *Scorer) done(o Outcome) Outcome {
	tags := []string{
		metric.TagAsString(metric.TagFunction, s.name),
		metric.TagAsString(metric.TagStatus, string(o.Status)),
	}
	metric.Incr(metric.ScoringRequestCount, tags)
	metric.Count(metric.ScoringRowsCount, int64(o.RowsScored), tags)
	return o
}

// diagnosticIDs scales the duid column by 1000 and truncates it to an integer magnitude
func diagnosticIDs(b *table.Batch) []int64 {
	c, ok := b.Column(DiagnosticColumn)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(c.Values))
	for _, v := range c.Values {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		out = append(out, int64(math.Abs(float64(int64(f*1000)))))
	}
	return out
}

func upper(items []string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = strings.ToUpper(item)
	}
	return out
}
