package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	identitydomain "github.com/complykit/complykit/internal/identity/domain"
)

// resolveCaller turns the inbound subject/email pair into a billing
// user, creating it on first contact.
func (s *Server) resolveCaller(c *gin.Context, subject, email string) (identitydomain.UserRef, bool) {
	if strings.TrimSpace(subject) == "" {
		AbortWithError(c, identitydomain.ErrInvalidSubject)
		return identitydomain.UserRef{}, false
	}

	user, err := s.identity.EnsureUser(c.Request.Context(), subject, email)
	if err != nil {
		AbortWithError(c, err)
		return identitydomain.UserRef{}, false
	}
	return user, true
}

// GetBillingMe handles GET /billing/me with the rolling-window quota
// snapshot the UI header renders.
func (s *Server) GetBillingMe(c *gin.Context) {
	user, ok := s.resolveCaller(c, c.Query("user_subject"), c.Query("user_email"))
	if !ok {
		return
	}

	state, err := s.credits.GetDailyCreditState(c.Request.Context(), user.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// GetCreditState handles GET /billing/credits with the persistent
// balance snapshot.
func (s *Server) GetCreditState(c *gin.Context) {
	user, ok := s.resolveCaller(c, c.Query("user_subject"), c.Query("user_email"))
	if !ok {
		return
	}

	state, err := s.credits.GetCreditState(c.Request.Context(), user.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

type checkoutSessionRequest struct {
	UserSubject string `json:"user_subject" binding:"required"`
	UserEmail   string `json:"user_email"`
	PackCode    string `json:"pack_code" binding:"required"`
}

// CreateCheckoutSession handles POST /billing/checkout-session.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	user, ok := s.resolveCaller(c, req.UserSubject, req.UserEmail)
	if !ok {
		return
	}

	link, err := s.payments.CreateCheckoutSession(c.Request.Context(), user.ID, user.Email, req.PackCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, link)
}

type portalSessionRequest struct {
	UserSubject string `json:"user_subject" binding:"required"`
	UserEmail   string `json:"user_email"`
}

// CreatePortalSession handles POST /billing/portal-session.
func (s *Server) CreatePortalSession(c *gin.Context) {
	var req portalSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithBindingError(c, err)
		return
	}

	user, ok := s.resolveCaller(c, req.UserSubject, req.UserEmail)
	if !ok {
		return
	}

	link, err := s.payments.CreatePortalSession(c.Request.Context(), user.ID, user.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, link)
}
