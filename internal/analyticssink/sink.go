// Package analyticssink is the C3 batch ingest client: it hands buffered
// usage and verification records to an external analytics endpoint and
// reports back how many rows the sink accepted versus quarantined, so the
// limiter shard knows which local rows it may delete.
package analyticssink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flexprice/usagelimiter/internal/domain/usagelog"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/httpclient"
	"github.com/flexprice/usagelimiter/internal/logger"
)

// BatchSize is the maximum number of rows sent to the sink in one request.
const BatchSize = 500

// IngestResult reports how a batch was split between rows the sink
// accepted and rows it quarantined (rejected but acknowledged, so the
// caller is free to delete them without retrying forever).
type IngestResult struct {
	Successful int `json:"successful"`
	Quarantined int `json:"quarantined"`
}

// Accounted reports whether the batch was fully accounted for, i.e. the
// caller may safely delete the range it submitted.
func (r IngestResult) Accounted(batchSize int) bool {
	return r.Successful+r.Quarantined >= batchSize
}

// Client ingests usage and verification batches into the analytics sink.
type Client struct {
	http        httpclient.Client
	baseURL     string
	apiKey      string
	isProduction bool
	log         *logger.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	IsProduction bool
	Timeout      time.Duration
	MaxRetries   int
}

// New builds a Client over httpclient's retry-aware transport.
func New(cfg Config, log *logger.Logger) *Client {
	return &Client{
		http:         httpclient.NewDefaultClient(httpclient.ClientConfig{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}),
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		isProduction: cfg.IsProduction,
		log:          log,
	}
}

type usageRow struct {
	EntitlementID  string `json:"entitlementId"`
	CustomerID     string `json:"customerId"`
	ProjectID      string `json:"projectId"`
	FeatureSlug    string `json:"featureSlug"`
	Usage          string `json:"usage"`
	Timestamp      int64  `json:"timestamp"`
	IdempotenceKey string `json:"idempotenceKey"`
	RequestID      string `json:"requestId"`
}

type verificationRow struct {
	EntitlementID string `json:"entitlementId"`
	CustomerID    string `json:"customerId"`
	ProjectID     string `json:"projectId"`
	FeatureSlug   string `json:"featureSlug"`
	RequestID     string `json:"requestId"`
	Timestamp     int64  `json:"timestamp"`
	Success       bool   `json:"success"`
	Latency       string `json:"latency"`
	DeniedReason  string `json:"deniedReason"`
}

// IngestUsage pushes a batch of usage records to the sink, deduplicating
// within the batch by idempotence key (composed with timestamp outside of
// production, per the non-prod replay allowance).
func (c *Client) IngestUsage(ctx context.Context, batch []usagelog.UsageRecord) (IngestResult, error) {
	if len(batch) == 0 {
		return IngestResult{}, nil
	}
	if len(batch) > BatchSize {
		batch = batch[:BatchSize]
	}

	seen := make(map[string]struct{}, len(batch))
	rows := make([]usageRow, 0, len(batch))
	for _, rec := range batch {
		key := rec.SinkIdempotenceKey(c.isProduction)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, usageRow{
			EntitlementID:  rec.EntitlementID,
			CustomerID:     rec.CustomerID,
			ProjectID:      rec.ProjectID,
			FeatureSlug:    rec.FeatureSlug,
			Usage:          rec.Usage.String(),
			Timestamp:      rec.Timestamp,
			IdempotenceKey: key,
			RequestID:      rec.RequestID,
		})
	}

	result, err := c.post(ctx, "/v1/ingest/usage", rows)
	if err != nil {
		return IngestResult{}, err
	}
	return result, nil
}

// IngestVerification pushes a batch of verification records to the sink.
func (c *Client) IngestVerification(ctx context.Context, batch []usagelog.VerificationRecord) (IngestResult, error) {
	if len(batch) == 0 {
		return IngestResult{}, nil
	}
	if len(batch) > BatchSize {
		batch = batch[:BatchSize]
	}

	rows := make([]verificationRow, 0, len(batch))
	for _, rec := range batch {
		rows = append(rows, verificationRow{
			EntitlementID: rec.EntitlementID,
			CustomerID:    rec.CustomerID,
			ProjectID:     rec.ProjectID,
			FeatureSlug:   rec.FeatureSlug,
			RequestID:     rec.RequestID,
			Timestamp:     rec.Timestamp,
			Success:       rec.Success,
			Latency:       rec.Latency.String(),
			DeniedReason:  string(rec.DeniedReason),
		})
	}

	return c.post(ctx, "/v1/ingest/verifications", rows)
}

func (c *Client) post(ctx context.Context, path string, rows interface{}) (IngestResult, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return IngestResult{}, ierr.WithError(err).WithHint("failed to marshal sink batch").Mark(ierr.ErrValidation)
	}

	resp, err := c.http.Send(ctx, &httpclient.Request{
		Method: "POST",
		URL:    c.baseURL + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + c.apiKey,
		},
		Body: body,
	})
	if err != nil {
		return IngestResult{}, ierr.WithError(err).WithHint("analytics sink ingest failed").Mark(ierr.ErrHTTPClient)
	}

	var result IngestResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return IngestResult{}, ierr.WithError(err).WithHint("failed to decode sink response").Mark(ierr.ErrHTTPClient)
	}

	return result, nil
}
