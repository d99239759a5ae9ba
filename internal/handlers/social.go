package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/synctube/internal/models"
)

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required,max=16"`
}

type messageRequest struct {
	Name       string           `json:"name" binding:"required,max=64"`
	Avatar     string           `json:"avatar"`
	Text       string           `json:"text" binding:"required,max=2000"`
	ReplyingTo *models.ReplyRef `json:"replyingTo,omitempty"`
}

// since reads the optional ?since= unix-millis filter.
func since(c *gin.Context) (int64, bool) {
	raw := c.Query("since")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be unix milliseconds"})
		return 0, false
	}
	return v, true
}

func (h *Handler) AddReaction(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reaction, err := h.svc.AddReaction(c.Request.Context(), c.Param("roomId"), userID, req.Emoji)
	if err != nil {
		h.fail(c, "reaction", err)
		return
	}
	c.JSON(http.StatusCreated, reaction)
}

func (h *Handler) ListReactions(c *gin.Context) {
	from, ok := since(c)
	if !ok {
		return
	}
	reactions, err := h.svc.Reactions(c.Request.Context(), c.Param("roomId"), from)
	if err != nil {
		h.fail(c, "reactions", err)
		return
	}
	if reactions == nil {
		reactions = []models.Reaction{}
	}
	c.JSON(http.StatusOK, reactions)
}

func (h *Handler) AddMessage(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	author := models.ChatAuthor{UID: userID, Name: req.Name, Avatar: req.Avatar}
	msg, err := h.svc.AddChatMessage(c.Request.Context(), c.Param("roomId"), author, req.Text, req.ReplyingTo)
	if err != nil {
		h.fail(c, "message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ListMessages(c *gin.Context) {
	from, ok := since(c)
	if !ok {
		return
	}
	msgs, err := h.svc.Messages(c.Request.Context(), c.Param("roomId"), from)
	if err != nil {
		h.fail(c, "messages", err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}
