package delivery

import (
	"net/http"

	"mailsync-backend/internal/account/usecase"

	"github.com/gin-gonic/gin"
)

// AccountHandler handles account management HTTP requests
type AccountHandler struct {
	accountUsecase usecase.AccountUsecase
}

func NewAccountHandler(accountUsecase usecase.AccountUsecase) *AccountHandler {
	return &AccountHandler{accountUsecase: accountUsecase}
}

// ConnectAccount registers a new mailbox for the tenant
// POST /api/accounts
func (h *AccountHandler) ConnectAccount(c *gin.Context) {
	tenantID := c.GetString("tenantID")

	var req usecase.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.accountUsecase.Connect(c.Request.Context(), tenantID, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

// GetAccount returns one account
// GET /api/accounts/:id
func (h *AccountHandler) GetAccount(c *gin.Context) {
	tenantID := c.GetString("tenantID")
	accountID := c.Param("id")

	account, err := h.accountUsecase.GetAccount(tenantID, accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	c.JSON(http.StatusOK, account)
}

// ListAccounts returns all accounts for the tenant
// GET /api/accounts
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	tenantID := c.GetString("tenantID")

	accounts, err := h.accountUsecase.ListAccounts(tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

// RegisterDevice stores an FCM device token for new-mail notifications
// POST /api/accounts/:id/devices
func (h *AccountHandler) RegisterDevice(c *gin.Context) {
	tenantID := c.GetString("tenantID")
	accountID := c.Param("id")

	var req struct {
		Token    string `json:"token" binding:"required"`
		Platform string `json:"platform"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.accountUsecase.RegisterDevice(tenantID, accountID, req.Token, req.Platform); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Device registered"})
}
