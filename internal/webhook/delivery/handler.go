package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"mailsync-backend/internal/webhook/usecase"

	"github.com/gin-gonic/gin"
)

// WebhookHandler receives provider change notifications
type WebhookHandler struct {
	ingest *usecase.IngestUsecase
	secret string
}

func NewWebhookHandler(ingest *usecase.IngestUsecase, secret string) *WebhookHandler {
	return &WebhookHandler{ingest: ingest, secret: secret}
}

// VerifyChallenge answers the provider's endpoint verification probe.
// GET /api/webhooks/provider?challenge=...
func (h *WebhookHandler) VerifyChallenge(c *gin.Context) {
	challenge := c.Query("challenge")
	if challenge == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing challenge"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// Receive verifies the signature and applies the event. The provider retries
// non-2xx responses, so only genuine processing failures return 500.
// POST /api/webhooks/provider
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !h.verifySignature(body, c.GetHeader("X-Webhook-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var env usecase.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Malformed but authenticated: ack so the provider stops retrying.
		log.Printf("[Webhook] Dropping malformed payload: %v", err)
		c.JSON(http.StatusOK, gin.H{"message": "ignored"})
		return
	}

	if err := h.ingest.Ingest(env); err != nil {
		log.Printf("[Webhook] Failed to process %s event: %v", env.Type, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if h.secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
