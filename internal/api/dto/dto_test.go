package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyRequest_ValidateRejectsMissingFields(t *testing.T) {
	req := &VerifyRequest{}
	assert.Error(t, req.Validate())

	req = &VerifyRequest{CustomerID: "c1", FeatureSlug: "exports", ProjectID: "p1", RequestID: "r1", Timestamp: 1}
	assert.NoError(t, req.Validate())
}

func TestReportRequest_ValidateRequiresIdempotenceKey(t *testing.T) {
	req := &ReportRequest{CustomerID: "c1", FeatureSlug: "exports", ProjectID: "p1", RequestID: "r1", Timestamp: 1}
	assert.Error(t, req.Validate())

	req.IdempotenceKey = "idem-1"
	assert.NoError(t, req.Validate())
}

func TestPrewarmRequest_Validate(t *testing.T) {
	req := &PrewarmRequest{}
	assert.Error(t, req.Validate())

	req = &PrewarmRequest{CustomerID: "c1", ProjectID: "p1", Timestamp: 1}
	assert.NoError(t, req.Validate())
}

func TestResetRequest_Validate(t *testing.T) {
	req := &ResetRequest{}
	assert.Error(t, req.Validate())

	req = &ResetRequest{CustomerID: "c1", ProjectID: "p1"}
	assert.NoError(t, req.Validate())
}
