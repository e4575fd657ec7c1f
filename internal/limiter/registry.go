package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/flexprice/usagelimiter/internal/analyticssink"
	"github.com/flexprice/usagelimiter/internal/config"
	"github.com/flexprice/usagelimiter/internal/customerservice"
	"github.com/flexprice/usagelimiter/internal/entitlementcache"
	"github.com/flexprice/usagelimiter/internal/entitlementstore"
	"github.com/flexprice/usagelimiter/internal/logger"
)

// Registry is the sharded actor registry: one Actor goroutine per
// customer, created lazily on first use and kept registered until
// Shutdown (hibernation only releases an actor's in-memory state),
// matching the router's own isolate-local-map idiom.
type Registry struct {
	cfg    *config.Configuration
	log    *logger.Logger
	sink   *analyticssink.Client
	cache  *entitlementcache.Cache
	source customerservice.EntitlementSource

	mu      sync.Mutex
	actors  map[string]*registered
}

type registered struct {
	actor  *Actor
	cancel context.CancelFunc
}

// NewRegistry builds a Registry. Actors are created on demand by Get.
func NewRegistry(cfg *config.Configuration, log *logger.Logger, sink *analyticssink.Client, cache *entitlementcache.Cache, source customerservice.EntitlementSource) *Registry {
	return &Registry{
		cfg:    cfg,
		log:    log,
		sink:   sink,
		cache:  cache,
		source: source,
		actors: make(map[string]*registered),
	}
}

// Get returns the actor for customerID, creating and starting it if this
// is the first request this process has seen for that customer.
func (r *Registry) Get(customerID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.actors[customerID]; ok {
		return reg.actor, nil
	}

	store, err := entitlementstore.Open(context.Background(), r.cfg.Store.BaseDir, customerID)
	if err != nil {
		return nil, err
	}

	actor := NewActor(customerID, r.cfg, r.log, store, r.sink, r.cache, r.source)
	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)

	r.actors[customerID] = &registered{actor: actor, cancel: cancel}
	return actor, nil
}

// Shutdown stops every actor, waiting for each to finish hibernating.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for customerID, reg := range r.actors {
		done := make(chan struct{})
		select {
		case reg.actor.mailbox <- stopCmd{done: done}:
			select {
			case <-done:
			case <-time.After(timeout):
			}
		default:
		}
		reg.cancel()
		if reg.actor.store != nil {
			_ = reg.actor.store.Close()
		}
		delete(r.actors, customerID)
	}
}
