package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/driftsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/driftsync/internal/engine"
	"github.com/MarcoPoloResearchLab/driftsync/internal/status"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingQueue      = errors.New("change queue dependency required")
	errMissingDispatcher = errors.New("status dispatcher dependency required")
	errMissingTrigger    = errors.New("sync trigger dependency required")
)

// SyncTrigger requests a sync cycle without blocking. The engine drops
// triggers that arrive while a cycle runs.
type SyncTrigger interface {
	TriggerSync(reason string)
}

// Dependencies wires the status API to the running agent.
type Dependencies struct {
	Queue      *changelog.Queue
	Dispatcher *status.Dispatcher
	Trigger    SyncTrigger
	Logger     *zap.Logger
}

// NewHTTPHandler builds the local status API: health, queue visibility and a
// manual sync trigger. It is bound to localhost by default and carries no
// authentication of its own.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Trigger == nil {
		return nil, errMissingTrigger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		trigger:    deps.Trigger,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	router.POST("/sync/trigger", handler.handleTrigger)

	return router, nil
}

type httpHandler struct {
	queue      *changelog.Queue
	dispatcher *status.Dispatcher
	trigger    SyncTrigger
	logger     *zap.Logger
}

type lastCyclePayload struct {
	StartedAt         time.Time `json:"started_at"`
	DurationMs        int64     `json:"duration_ms"`
	Outcome           string    `json:"outcome"`
	Synced            int       `json:"synced"`
	Retried           int       `json:"retried"`
	Failed            int       `json:"failed"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	Pulled            int       `json:"pulled"`
}

type statusResponsePayload struct {
	PendingTotal  int64             `json:"pending_total"`
	PendingByType map[string]int64  `json:"pending_by_type"`
	LastCycle     *lastCyclePayload `json:"last_cycle,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	total, err := h.queue.PendingCount(c.Request.Context())
	if err != nil {
		h.logger.Error("pending count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
		return
	}
	byType, err := h.queue.PendingCountByType(c.Request.Context())
	if err != nil {
		h.logger.Error("pending count by type failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
		return
	}

	response := statusResponsePayload{
		PendingTotal:  total,
		PendingByType: byType,
	}
	if last := h.dispatcher.LastStats(); last != nil {
		response.LastCycle = &lastCyclePayload{
			StartedAt:         last.StartedAt,
			DurationMs:        last.Duration.Milliseconds(),
			Outcome:           string(last.Outcome),
			Synced:            last.Synced,
			Retried:           last.Retried,
			Failed:            last.Failed,
			ConflictsResolved: last.ConflictsResolved,
			Pulled:            last.Pulled,
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleTrigger(c *gin.Context) {
	h.trigger.TriggerSync(engine.TriggerManual)
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}
