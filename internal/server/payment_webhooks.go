package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Webhook payloads from the provider stay small; the limit guards
// against a hostile sender, not legitimate traffic.
const maxWebhookBody = 1 << 20

// HandleStripeWebhook handles POST /api/payments/webhooks/stripe. The
// raw body is passed through untouched so signature verification sees
// the exact bytes the provider signed.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.payments.ProcessWebhook(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		s.log.Warn("webhook processing failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
