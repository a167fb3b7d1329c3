package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danthegoodman1/kpibridge/metric"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/rs/zerolog"
)

type (
	ClientConfig struct {
		URL      string
		Tenant   string
		APIKey   string
		APIToken string
	}

	// Client talks to the catalog metadata service
	Client struct {
		cfg        ClientConfig
		httpClient *http.Client
	}

	// Response is the catalog's answer, passed back to callers as is
	Response struct {
		StatusCode int
		Body       json.RawMessage
	}
)

// ClientConfigFromEnv reads the CATALOG_* variables
func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		URL:      utils.CATALOG_URL,
		Tenant:   utils.CATALOG_TENANT,
		APIKey:   utils.CATALOG_API_KEY,
		APIToken: utils.CATALOG_API_TOKEN,
	}
}

func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{cfg: cfg, httpClient: httpClient}
}

// PostEntityType sends an entity type registration. Any status the service answers with is
// returned in the Response, only transport failures are errors. There is no retry.
func (c *Client) PostEntityType(ctx context.Context, name string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("error in json.Marshal: %w", err)
	}

	u := fmt.Sprintf("%s/api/meta/v1/%s/entityType", c.cfg.URL, c.cfg.Tenant)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-api-key", c.cfg.APIKey)
	req.Header.Set("X-api-token", c.cfg.APIToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metric.TimingWithStart(metric.CatalogRequestLatency, start, []string{metric.TagAsString(metric.TagEntityType, name)})
	if err != nil {
		metric.Incr(metric.CatalogRequestCount, []string{
			metric.TagAsString(metric.TagEntityType, name),
			metric.TagAsString(metric.TagStatus, "error"),
		})
		return Response{}, fmt.Errorf("error in httpClient.Do: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("error reading catalog response: %w", err)
	}
	metric.Incr(metric.CatalogRequestCount, []string{
		metric.TagAsString(metric.TagEntityType, name),
		metric.TagAsString(metric.TagStatus, strconv.Itoa(resp.StatusCode)),
	})
	zerolog.Ctx(ctx).Debug().Str("entityType", name).Int("status", resp.StatusCode).Msg("posted entity type")
	return Response{StatusCode: resp.StatusCode, Body: b}, nil
}
