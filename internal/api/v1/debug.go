package v1

import (
	"net/http"

	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/limiter"
	"github.com/flexprice/usagelimiter/internal/logger"
	"github.com/flexprice/usagelimiter/internal/shardrouter"
	"github.com/flexprice/usagelimiter/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// DebugHandler streams a customer's verify/report events over a websocket
// so operators can watch a shard's decisions live without polling.
type DebugHandler struct {
	router   *shardrouter.Router
	log      *logger.Logger
	upgrader websocket.Upgrader
}

func NewDebugHandler(router *shardrouter.Router, log *logger.Logger) *DebugHandler {
	return &DebugHandler{
		router: router,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Stream godoc
// @Summary Stream debug events for a customer's shard
// @Description Upgrades to a websocket and forwards verify/report decisions as they happen
// @Tags Limiter
// @Param customerId query string true "Customer ID"
// @Router /v1/debug/stream [get]
func (h *DebugHandler) Stream(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID == "" {
		c.Error(ierr.NewError("customerId is required").Mark(ierr.ErrValidation))
		return
	}

	actor, err := h.router.Shard(customerID)
	if err != nil {
		c.Error(ierr.WithError(err).Mark(ierr.ErrSystem))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("debug stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := types.GenerateUUIDWithPrefix("debugconn")
	h.log.Debugf("debug stream %s opened for customer %s", connID, customerID)
	defer h.log.Debugf("debug stream %s closed for customer %s", connID, customerID)

	events := make(chan limiter.DebugEvent, 16)
	unsubscribe := actor.SubscribeDebug(events)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
