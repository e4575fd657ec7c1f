// Package customerservice models the primary-DB collaborator the spec
// treats as an external system: the plans/customers/subscriptions CRUD
// layer is out of scope, so the core only ever depends on the narrow
// EntitlementSource interface below. Production wiring a real service
// implementing it is left to the deployer; this package also provides an
// in-process implementation for local development and tests.
package customerservice

import (
	"context"
	"sync"

	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
)

// EntitlementSource is the one method the limiter core consumes from the
// primary database's plans/customers/subscriptions layer: resolve the
// currently active entitlement for a (customer, project, feature) triple.
type EntitlementSource interface {
	GetActiveEntitlement(ctx context.Context, customerID, projectID, featureSlug string) (*entitlement.Entitlement, error)
}

// InProcess is a bundled, in-memory EntitlementSource backing local
// development and the test suite. Entries are seeded directly rather than
// fetched from a database.
type InProcess struct {
	mu      sync.RWMutex
	records map[string]*entitlement.Entitlement
}

// NewInProcess creates an empty in-process entitlement source.
func NewInProcess() *InProcess {
	return &InProcess{records: make(map[string]*entitlement.Entitlement)}
}

func key(customerID, projectID, featureSlug string) string {
	return projectID + ":" + customerID + ":" + featureSlug
}

// Seed registers (or replaces) the active entitlement for a
// (customer, project, feature) triple, as a test fixture or a dev-mode
// bootstrap would.
func (s *InProcess) Seed(e *entitlement.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key(e.CustomerID, e.ProjectID, e.FeatureSlug)] = e
}

// Remove deletes a previously seeded entitlement, simulating a plan
// change or subscription cancellation upstream.
func (s *InProcess) Remove(customerID, projectID, featureSlug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key(customerID, projectID, featureSlug))
}

// GetActiveEntitlement implements EntitlementSource.
func (s *InProcess) GetActiveEntitlement(_ context.Context, customerID, projectID, featureSlug string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[key(customerID, projectID, featureSlug)]
	if !ok {
		return nil, ierr.WithError(ierr.ErrNotFound).
			WithHintf("no active entitlement for customer=%s feature=%s", customerID, featureSlug).
			Mark(ierr.ErrNotFound)
	}
	return e, nil
}
