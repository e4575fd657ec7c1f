// Package dto holds the JSON wire shapes of the limiter's HTTP surface,
// mirroring section 6 of the limiter design document.
package dto

import (
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/flexprice/usagelimiter/internal/validator"
)

// VerifyRequest is the wire shape of POST /v1/verify.
type VerifyRequest struct {
	CustomerID       string            `json:"customerId" validate:"required"`
	FeatureSlug      string            `json:"featureSlug" validate:"required"`
	ProjectID        string            `json:"projectId" validate:"required"`
	RequestID        string            `json:"requestId" validate:"required"`
	Timestamp        int64             `json:"timestamp" validate:"required"`
	PerformanceStart int64             `json:"performanceStart"`
	FlushTime        *int64            `json:"flushTime,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	FromCache        bool              `json:"fromCache,omitempty"`
}

func (r *VerifyRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// VerifyResponse is the wire shape of POST /v1/verify's response.
type VerifyResponse struct {
	Allowed      bool               `json:"allowed"`
	Message      string             `json:"message,omitempty"`
	DeniedReason types.DeniedReason `json:"deniedReason,omitempty"`
	Limit        *string            `json:"limit,omitempty"`
	Usage        *string            `json:"usage,omitempty"`
	Latency      *int64             `json:"latency,omitempty"`
	CacheHit     bool               `json:"cacheHit,omitempty"`
}

// ReportRequest is the wire shape of POST /v1/report.
type ReportRequest struct {
	CustomerID     string            `json:"customerId" validate:"required"`
	FeatureSlug    string            `json:"featureSlug" validate:"required"`
	ProjectID      string            `json:"projectId" validate:"required"`
	RequestID      string            `json:"requestId" validate:"required"`
	Timestamp      int64             `json:"timestamp" validate:"required"`
	IdempotenceKey string            `json:"idempotenceKey" validate:"required"`
	Usage          float64           `json:"usage"`
	FlushTime      *int64            `json:"flushTime,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r *ReportRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// ReportResponse is the wire shape of POST /v1/report's response.
type ReportResponse struct {
	Allowed      bool               `json:"allowed"`
	Message      string             `json:"message,omitempty"`
	Limit        *string            `json:"limit,omitempty"`
	Usage        *string            `json:"usage,omitempty"`
	DeniedReason types.DeniedReason `json:"deniedReason,omitempty"`
	CacheHit     bool               `json:"cacheHit,omitempty"`
}

// PrewarmRequest is the wire shape of POST /v1/prewarm.
type PrewarmRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	ProjectID  string `json:"projectId" validate:"required"`
	Timestamp  int64  `json:"timestamp" validate:"required"`
}

func (r *PrewarmRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// ResetRequest is the wire shape of POST /v1/reset.
type ResetRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	ProjectID  string `json:"projectId" validate:"required"`
}

func (r *ResetRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// ResetResponse is the wire shape of POST /v1/reset's response.
type ResetResponse struct {
	FeatureSlugs []string `json:"featureSlugs"`
}

// ErrorResponse is the standard error envelope for non-deny failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DebugEvent is the wire shape broadcast over GET /v1/debug/stream.
type DebugEvent struct {
	Type         string             `json:"type"`
	CustomerID   string             `json:"customerId"`
	FeatureSlug  string             `json:"featureSlug"`
	DeniedReason types.DeniedReason `json:"deniedReason,omitempty"`
	Usage        *string            `json:"usage,omitempty"`
	Limit        *string            `json:"limit,omitempty"`
	Success      bool               `json:"success"`
}
