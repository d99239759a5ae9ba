package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/synctube/internal/models"
)

func (h *Handler) ListParticipants(c *gin.Context) {
	participants, err := h.svc.Participants(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, "participants", err)
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	c.JSON(http.StatusOK, participants)
}

// KickParticipant removes another participant (host only).
func (h *Handler) KickParticipant(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	h.respond(c, "kick", h.svc.Kick(c.Request.Context(), c.Param("roomId"), userID, c.Param("userId")))
}

func (h *Handler) SetLiveAccess(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.LiveAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "live_access",
		h.svc.SetLiveAccess(c.Request.Context(), c.Param("roomId"), userID, c.Param("userId"), req.CanGoLive))
}

// UpdatePresence lets the caller change their own live and mute flags.
func (h *Handler) UpdatePresence(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.PresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "presence", h.svc.SetPresence(c.Request.Context(), c.Param("roomId"), userID, req))
}
