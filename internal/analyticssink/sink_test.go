package analyticssink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flexprice/usagelimiter/internal/domain/usagelog"
	"github.com/flexprice/usagelimiter/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, isProduction bool) *Client {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return New(Config{
		BaseURL:      baseURL,
		IsProduction: isProduction,
		Timeout:      time.Second,
		MaxRetries:   0,
	}, log)
}

func TestClient_IngestUsageDedupesWithinBatch(t *testing.T) {
	var receivedRows []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ingest/usage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedRows))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(IngestResult{Successful: len(receivedRows)})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)

	batch := []usagelog.UsageRecord{
		{EntitlementID: "ent-1", CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports", Usage: decimal.NewFromInt(1), IdempotenceKey: "dup-key", Timestamp: 100},
		{EntitlementID: "ent-1", CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports", Usage: decimal.NewFromInt(1), IdempotenceKey: "dup-key", Timestamp: 200},
	}

	result, err := client.IngestUsage(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.Len(t, receivedRows, 1, "production dedupe must collapse a repeated idempotence key regardless of timestamp")
}

func TestClient_IngestUsageReplaysAcrossRunsOutsideProduction(t *testing.T) {
	var receivedRows []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedRows)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(IngestResult{Successful: len(receivedRows)})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, false)

	batch := []usagelog.UsageRecord{
		{EntitlementID: "ent-1", CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports", Usage: decimal.NewFromInt(1), IdempotenceKey: "same-key", Timestamp: 100},
		{EntitlementID: "ent-1", CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports", Usage: decimal.NewFromInt(1), IdempotenceKey: "same-key", Timestamp: 200},
	}

	result, err := client.IngestUsage(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Successful)
	assert.Len(t, receivedRows, 2, "non-production rows fold the timestamp into the key so distinct runs don't dedupe against each other")
}

func TestClient_IngestUsagePartialSuccessIsReportedVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(IngestResult{Successful: 3, Quarantined: 2})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)

	batch := []usagelog.UsageRecord{
		{EntitlementID: "ent-1", CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports", Usage: decimal.NewFromInt(1), IdempotenceKey: "k1", Timestamp: 1},
	}

	result, err := client.IngestUsage(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Successful: 3, Quarantined: 2}, result)
	assert.True(t, result.Accounted(5))
	assert.False(t, result.Accounted(6))
}

func TestClient_IngestUsageEmptyBatchSkipsTheRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)

	result, err := client.IngestUsage(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, IngestResult{}, result)
	assert.False(t, called)
}

func TestClient_IngestVerification(t *testing.T) {
	var receivedRows []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ingest/verifications", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedRows))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(IngestResult{Successful: len(receivedRows)})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, true)

	batch := []usagelog.VerificationRecord{
		{EntitlementID: "ent-1", CustomerID: "cust-1", ProjectID: "proj-1", FeatureSlug: "exports", Success: true, Latency: decimal.NewFromInt(5)},
	}

	result, err := client.IngestVerification(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.Len(t, receivedRows, 1)
}
