package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	assessmentdomain "github.com/complykit/complykit/internal/assessment/domain"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	identitydomain "github.com/complykit/complykit/internal/identity/domain"
	paymentdomain "github.com/complykit/complykit/internal/payment/domain"
)

type errorResponse struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	errTypeValidation         = "validation_error"
	errTypeUnauthorized       = "unauthorized"
	errTypePaymentRequired    = "payment_required"
	errTypeConflict           = "conflict"
	errTypeNotFound           = "not_found"
	errTypeUnprocessable      = "unprocessable"
	errTypeServiceUnavailable = "service_unavailable"
	errTypeInternal           = "internal_error"
)

// ErrorHandlingMiddleware converts errors recorded on the gin context
// into a JSON error body. Handlers that already wrote a response are
// left alone.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.JSON(status, errorResponse{Error: payload})
	}
}

// AbortWithError records err on the context and stops the handler chain.
// The response body is rendered by ErrorHandlingMiddleware.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var limitErr *creditdomain.DailyLimitError
	if errors.As(err, &limitErr) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    errTypePaymentRequired,
			Message: limitErr.Error(),
			Details: map[string]any{
				"daily_limit":   limitErr.Limit,
				"used_today":    limitErr.Used,
				"resets_at_utc": limitErr.ResetsAt.UTC().Format(time.RFC3339),
			},
		}
	}

	var followUpErr *creditdomain.FollowUpRejectedError
	if errors.As(err, &followUpErr) {
		return http.StatusConflict, errorPayload{
			Type:    errTypeConflict,
			Message: followUpErr.Reason,
		}
	}

	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    errTypePaymentRequired,
			Message: "Not enough credits. Buy a credit pack to keep running assessments.",
		}
	case errors.Is(err, assessmentdomain.ErrMissingSubject):
		return http.StatusUnauthorized, errorPayload{
			Type:    errTypeUnauthorized,
			Message: "Sign in to run assessments.",
		}
	case errors.Is(err, assessmentdomain.ErrMissingTool),
		errors.Is(err, identitydomain.ErrInvalidSubject),
		errors.Is(err, paymentdomain.ErrUnknownPack),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, creditdomain.ErrInvalidGrant):
		return http.StatusBadRequest, errorPayload{
			Type:    errTypeValidation,
			Message: err.Error(),
		}
	case errors.Is(err, paymentdomain.ErrUnresolvableUser),
		errors.Is(err, creditdomain.ErrAccountNotFound):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    errTypeUnprocessable,
			Message: err.Error(),
		}
	case errors.Is(err, identitydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    errTypeNotFound,
			Message: "resource not found",
		}
	case errors.Is(err, paymentdomain.ErrProviderDisabled),
		errors.Is(err, assessmentdomain.ErrAgentUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    errTypeServiceUnavailable,
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    errTypeInternal,
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger's error_type/error_code
// fields without rendering a response.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}

// abortWithBindingError maps gin binding failures onto the validation
// error shape directly, since binding errors carry no sentinel.
func abortWithBindingError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
		Type:    errTypeValidation,
		Message: err.Error(),
	}})
}
