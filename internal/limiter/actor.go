package limiter

import (
	"context"
	"time"

	"github.com/flexprice/usagelimiter/internal/alarm"
	"github.com/flexprice/usagelimiter/internal/config"
	"github.com/flexprice/usagelimiter/internal/customerservice"
	"github.com/flexprice/usagelimiter/internal/domain/entitlement"
	"github.com/flexprice/usagelimiter/internal/entitlementcache"
	"github.com/flexprice/usagelimiter/internal/entitlementstore"
	"github.com/flexprice/usagelimiter/internal/logger"

	"github.com/flexprice/usagelimiter/internal/analyticssink"
)

type verifyCmd struct {
	req   VerifyRequest
	reply chan verifyResult
}

type verifyResult struct {
	resp VerifyResponse
	err  error
}

type reportCmd struct {
	req   ReportRequest
	reply chan reportResult
}

type reportResult struct {
	resp ReportResponse
	err  error
}

type prewarmCmd struct {
	projectID string
	now       time.Time
	reply     chan error
}

type resetCmd struct {
	reply chan resetResult
}

type resetResult struct {
	result ResetResult
	err    error
}

type debounceFired struct {
	featureSlug string
}

type subscribeDebugCmd struct {
	ch chan DebugEvent
}

type unsubscribeDebugCmd struct {
	ch chan DebugEvent
}

type stopCmd struct {
	done chan struct{}
}

// debounceState tracks the pending write-back timer for one feature slug.
type debounceState struct {
	timer       *time.Timer
	lastFlushAt time.Time
}

// Actor is one limiter shard: one logical instance per customer, owning an
// in-memory map of that customer's entitlements and single-threaded
// serialized access to it. All state below this line is touched only by
// the goroutine running Run; everything else communicates through the
// mailbox channel.
type Actor struct {
	customerID string
	cfg        *config.Configuration
	log        *logger.Logger

	store       *entitlementstore.Store
	sink        *analyticssink.Client
	cache       *entitlementcache.Cache
	source      customerservice.EntitlementSource
	alarmTicker *alarm.Alarm

	mailbox chan interface{}

	// --- single-threaded state, mutated only inside Run's select loop ---
	initialized  bool
	colo         string
	featuresUsage map[string]*entitlement.Entitlement
	lastSyncUsageAt time.Time
	debouncers   map[string]*debounceState
	debounceCh   chan debounceFired
	subscribers  map[chan DebugEvent]struct{}
	lastBroadcastAt time.Time
}

// NewActor constructs an Actor. It does not hydrate state; hydration
// happens lazily on the first command via ensureInitialized.
func NewActor(customerID string, cfg *config.Configuration, log *logger.Logger, store *entitlementstore.Store, sink *analyticssink.Client, cache *entitlementcache.Cache, source customerservice.EntitlementSource) *Actor {
	return &Actor{
		customerID:    customerID,
		cfg:           cfg,
		log:           log,
		store:         store,
		sink:          sink,
		cache:         cache,
		source:        source,
		alarmTicker:   alarm.New(cfg.Limiter.AlarmMinDelay, cfg.Limiter.AlarmMaxDelay),
		mailbox:       make(chan interface{}, 256),
		featuresUsage: make(map[string]*entitlement.Entitlement),
		debouncers:    make(map[string]*debounceState),
		debounceCh:    make(chan debounceFired, 64),
		subscribers:   make(map[chan DebugEvent]struct{}),
	}
}

// Run is the actor's event loop. One goroutine per customer runs this;
// everything it touches below is therefore free of locks.
func (a *Actor) Run(ctx context.Context) {
	idle := time.NewTimer(a.cfg.Limiter.HibernateAfterIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-a.mailbox:
			idle.Reset(a.cfg.Limiter.HibernateAfterIdle)
			a.handle(ctx, msg)

		case df := <-a.debounceCh:
			idle.Reset(a.cfg.Limiter.HibernateAfterIdle)
			a.handle(ctx, df)

		case <-a.alarmTicker.C():
			idle.Reset(a.cfg.Limiter.HibernateAfterIdle)
			a.handleAlarm(ctx)

		case <-idle.C:
			a.hibernate()
			idle.Reset(a.cfg.Limiter.HibernateAfterIdle)
		}
	}
}

func (a *Actor) handle(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case verifyCmd:
		resp, err := a.verify(ctx, m.req)
		m.reply <- verifyResult{resp: resp, err: err}
	case reportCmd:
		resp, err := a.report(ctx, m.req)
		m.reply <- reportResult{resp: resp, err: err}
	case prewarmCmd:
		m.reply <- a.prewarm(ctx, m.projectID, m.now)
	case resetCmd:
		result, err := a.reset(ctx)
		m.reply <- resetResult{result: result, err: err}
	case subscribeDebugCmd:
		a.subscribers[m.ch] = struct{}{}
	case unsubscribeDebugCmd:
		delete(a.subscribers, m.ch)
	case debounceFired:
		a.flushDebounced(ctx, m.featureSlug)
	case refreshDone:
		_, _ = a.commitRevalidation(ctx, m.customerID, m.projectID, m.featureSlug, m.entitlement, m.err, m.now)
	case stopCmd:
		a.hibernate()
		close(m.done)
	}
}

// hibernate releases in-memory state. It must be restartable from
// persisted state alone - no soft state (timers, counters) survives that
// the store can't reconstruct.
func (a *Actor) hibernate() {
	for _, d := range a.debouncers {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	a.debouncers = make(map[string]*debounceState)
	a.featuresUsage = make(map[string]*entitlement.Entitlement)
	a.initialized = false
}
