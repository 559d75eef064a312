package delivery

import (
	"crypto/subtle"
	"net/http"

	"mailsync-backend/internal/account/repository"
	"mailsync-backend/internal/sync/usecase"

	"github.com/gin-gonic/gin"
)

// SyncHandler handles sync control HTTP requests
type SyncHandler struct {
	engine   *usecase.Engine
	watchdog *usecase.Watchdog
	states   *usecase.StateMachine
	accounts repository.AccountRepository
}

func NewSyncHandler(engine *usecase.Engine, watchdog *usecase.Watchdog, states *usecase.StateMachine, accounts repository.AccountRepository) *SyncHandler {
	return &SyncHandler{
		engine:   engine,
		watchdog: watchdog,
		states:   states,
		accounts: accounts,
	}
}

// TriggerSync starts a sync run for the account.
// POST /api/accounts/:id/sync/trigger
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	accountID := c.Param("id")
	tenantID := c.GetString("tenantID")

	account, err := h.accounts.FindByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil || account.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	if err := h.engine.Trigger(accountID, false); err != nil {
		if err == repository.ErrSyncInProgress {
			c.JSON(http.StatusConflict, gin.H{"error": "Sync already in progress"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync started"})
}

// GetSyncStatus returns the durable sync state plus breaker, quota and health.
// GET /api/accounts/:id/sync/status
func (h *SyncHandler) GetSyncStatus(c *gin.Context) {
	accountID := c.Param("id")
	tenantID := c.GetString("tenantID")

	report, err := h.engine.Status(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	account, err := h.accounts.FindByID(accountID)
	if err != nil || account == nil || account.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// PauseSync stops sync for the account until explicitly resumed.
// POST /api/accounts/:id/sync/pause
func (h *SyncHandler) PauseSync(c *gin.Context) {
	accountID := c.Param("id")
	tenantID := c.GetString("tenantID")

	account, err := h.accounts.FindByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil || account.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	if err := h.states.Pause(accountID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Sync paused"})
}

// ResumeSync re-enables a paused account.
// POST /api/accounts/:id/sync/resume
func (h *SyncHandler) ResumeSync(c *gin.Context) {
	accountID := c.Param("id")
	tenantID := c.GetString("tenantID")

	account, err := h.accounts.FindByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil || account.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	if err := h.states.Resume(accountID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Sync resumed"})
}

// SweepStalled runs the stall sweep once, on demand.
// POST /api/internal/sweeps/stalled
func (h *SyncHandler) SweepStalled(c *gin.Context) {
	result := h.watchdog.SweepStalled()
	c.JSON(http.StatusOK, result)
}

// SweepResume runs the resume sweep once, on demand.
// POST /api/internal/sweeps/resume
func (h *SyncHandler) SweepResume(c *gin.Context) {
	result := h.watchdog.SweepResumable()
	c.JSON(http.StatusOK, result)
}

// SweepAuthMiddleware protects the internal sweep endpoints with a shared
// secret, compared in constant time.
func SweepAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "sweep endpoints disabled"})
			c.Abort()
			return
		}
		provided := c.GetHeader("X-Sweep-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid sweep secret"})
			c.Abort()
			return
		}
		c.Next()
	}
}
