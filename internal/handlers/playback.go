package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/synctube/internal/models"
)

func (h *Handler) UpdatePlayback(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.TransportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IsPlaying == nil && req.Timestamp == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "isPlaying or timestamp required"})
		return
	}
	h.respond(c, "transport",
		h.svc.SetTransport(c.Request.Context(), c.Param("roomId"), userID, req.IsPlaying, req.Timestamp))
}

func (h *Handler) SetVideo(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.SetVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "set_video", h.svc.SetVideo(c.Request.Context(), c.Param("roomId"), userID, req.VideoID))
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "settings", h.svc.UpdateSettings(c.Request.Context(), c.Param("roomId"), userID, req))
}

func (h *Handler) Enqueue(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "enqueue", h.svc.EnqueueAll(c.Request.Context(), c.Param("roomId"), userID, req.Items))
}

// PlayAll replaces the queue and starts from its first item.
func (h *Handler) PlayAll(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "play_all", h.svc.PlayAll(c.Request.Context(), c.Param("roomId"), userID, req.Items))
}

func (h *Handler) ReorderQueue(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "reorder", h.svc.ReorderQueue(c.Request.Context(), c.Param("roomId"), userID, req.Queue))
}

func (h *Handler) RemoveFromQueue(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}
	h.respond(c, "remove", h.svc.RemoveFromQueue(c.Request.Context(), c.Param("roomId"), userID, index))
}

func (h *Handler) PlayFromQueue(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.JumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.respond(c, "jump", h.svc.PlayFromQueue(c.Request.Context(), c.Param("roomId"), userID, req.Index))
}

func (h *Handler) ClearQueue(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	h.respond(c, "clear", h.svc.ClearQueue(c.Request.Context(), c.Param("roomId"), userID))
}

func (h *Handler) PlayNext(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	h.respond(c, "next", h.svc.PlayNext(c.Request.Context(), c.Param("roomId"), userID))
}

func (h *Handler) PlayPrevious(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	h.respond(c, "previous", h.svc.PlayPrevious(c.Request.Context(), c.Param("roomId"), userID))
}

// AdvanceQueue is what the host's player calls when the active item ends.
func (h *Handler) AdvanceQueue(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	h.respond(c, "advance", h.svc.Advance(c.Request.Context(), c.Param("roomId"), userID))
}
