package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/synctube/internal/middleware"
	"go.uber.org/zap"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a token for username. Any password is accepted: identity is
// delegated to whatever fronts this API.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.issue(c, req.Username)
}

// LoginAnonymous issues a token for a fresh random identity.
func (h *Handler) LoginAnonymous(c *gin.Context) {
	h.issue(c, uuid.NewString())
}

func (h *Handler) issue(c *gin.Context, userID string) {
	token, err := middleware.IssueToken(h.jwtSecret, userID, h.tokenTTL)
	if err != nil {
		h.log.Error("failed to sign token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token, UserID: userID})
}
