package wml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danthegoodman1/kpibridge/gologger"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/rs/zerolog"
)

var (
	logger = gologger.NewLogger()

	ErrMissingField = errors.New("missing credential field")
)

type (
	// Credentials for a deployed model, the JSON shape stored as a pipeline constant
	Credentials struct {
		APIKey       string `json:"apikey" yaml:"apikey"`
		URL          string `json:"url" yaml:"url"`
		SpaceID      string `json:"space_id" yaml:"space_id"`
		DeploymentID string `json:"deployment_id" yaml:"deployment_id"`
		// Optional, defaults to WML_IAM_URL
		IAMURL string `json:"iam_url,omitempty" yaml:"iam_url,omitempty"`
	}

	ScoringPayload struct {
		InputData []InputData `json:"input_data"`
	}

	InputData struct {
		Fields []string `json:"fields"`
		Values [][]any  `json:"values"`
	}

	ScoringResponse struct {
		Predictions []Prediction `json:"predictions"`
	}

	Prediction struct {
		Fields []string `json:"fields"`
		Values [][]any  `json:"values"`
	}

	Deployment struct {
		Metadata struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			SpaceID string `json:"space_id"`
		} `json:"metadata"`
		Entity struct {
			Status struct {
				State string `json:"state"`
			} `json:"status"`
		} `json:"entity"`
	}

	APIError struct {
		StatusCode int
		Body       string
	}

	Client struct {
		creds      Credentials
		iamURL     string
		version    string
		httpClient *http.Client

		spaceID string

		tokenMu     sync.Mutex
		token       string
		tokenExpiry time.Time
	}

	tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Expiration  int64  `json:"expiration"`
	}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("wml api returned status %d: %s", e.StatusCode, e.Body)
}

// Validate checks the fields needed to log in and score
func (c Credentials) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "apikey")
	}
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.SpaceID == "" {
		missing = append(missing, "space_id")
	}
	if c.DeploymentID == "" {
		missing = append(missing, "deployment_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

func NewClient(creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	iamURL := creds.IAMURL
	if iamURL == "" {
		iamURL = utils.WML_IAM_URL
	}
	return &Client{
		creds:      creds,
		iamURL:     iamURL,
		version:    utils.WML_API_VERSION,
		httpClient: httpClient,
		spaceID:    creds.SpaceID,
	}
}

// Authenticate exchanges the api key for a bearer token. Tokens are cached until a minute before expiry.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.bearer(ctx)
	return err
}

func (c *Client) SetDefaultSpace(spaceID string) {
	c.spaceID = spaceID
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", c.creds.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.iamURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tr tokenResponse
	if err := c.do(req, &tr); err != nil {
		return "", fmt.Errorf("error requesting iam token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &APIError{StatusCode: http.StatusOK, Body: "iam response did not contain an access token"}
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(expiresIn - time.Minute)
	logger.Debug().Time("expiry", c.tokenExpiry).Msg("refreshed wml token")
	return c.token, nil
}

func (c *Client) DeploymentDetails(ctx context.Context, deploymentID string) (*Deployment, error) {
	q := url.Values{}
	q.Set("version", c.version)
	if c.spaceID != "" {
		q.Set("space_id", c.spaceID)
	}
	u := fmt.Sprintf("%s/ml/v4/deployments/%s?%s", strings.TrimRight(c.creds.URL, "/"), url.PathEscape(deploymentID), q.Encode())

	req, err := c.authedRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var d Deployment
	if err := c.do(req, &d); err != nil {
		return nil, fmt.Errorf("error getting deployment details: %w", err)
	}
	return &d, nil
}

func (c *Client) Score(ctx context.Context, deploymentID string, payload ScoringPayload) (*ScoringResponse, error) {
	logger := zerolog.Ctx(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error in json.Marshal: %w", err)
	}

	q := url.Values{}
	q.Set("version", c.version)
	if c.spaceID != "" {
		q.Set("space_id", c.spaceID)
	}
	u := fmt.Sprintf("%s/ml/v4/deployments/%s/predictions?%s", strings.TrimRight(c.creds.URL, "/"), url.PathEscape(deploymentID), q.Encode())

	req, err := c.authedRequest(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	s := time.Now()
	var sr ScoringResponse
	if err := c.do(req, &sr); err != nil {
		return nil, fmt.Errorf("error scoring deployment %s: %w", deploymentID, err)
	}
	logger.Debug().Str("deploymentID", deploymentID).Dur("duration", time.Since(s)).Int("predictions", len(sr.Predictions)).Msg("scored")
	return &sr, nil
}

func (c *Client) authedRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error in httpClient.Do: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("error in json.Unmarshal: %w", err)
	}
	return nil
}

// Values returns predictions[0].values, nil when the response carries nothing
func (r *ScoringResponse) Values() [][]any {
	if r == nil || len(r.Predictions) == 0 {
		return nil
	}
	return r.Predictions[0].Values
}
