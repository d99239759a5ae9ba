package handlers

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/playback"
	"go.uber.org/zap"
)

const codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars

// CreateRoom creates a room hosted by the caller. The host still joins
// explicitly.
func (h *Handler) CreateRoom(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	room, err := h.svc.CreateRoom(c.Request.Context(), userID, generateRoomCode())
	if err != nil {
		h.fail(c, "create_room", err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.RoomID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.svc.ResolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, "get_room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (host only)
func (h *Handler) DeleteRoom(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	roomID := c.Param("roomId")
	if err := h.svc.DeleteRoom(c.Request.Context(), roomID, userID); err != nil {
		h.fail(c, "delete_room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

type JoinResponse struct {
	Room        models.Room        `json:"room"`
	Participant models.Participant `json:"participant"`
	IsHost      bool               `json:"isHost"`
	Rejoined    bool               `json:"rejoined"`
}

func (h *Handler) JoinRoom(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	var req models.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.svc.ResolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, "join", err)
		return
	}
	res, err := h.join(c.Request.Context(), room.RoomID, userID, req)
	if err != nil {
		h.fail(c, "join", err)
		return
	}
	c.JSON(http.StatusOK, JoinResponse{
		Room:        res.Room,
		Participant: res.Participant,
		IsHost:      res.IsHost,
		Rejoined:    res.Rejoined,
	})
}

func (h *Handler) join(ctx context.Context, roomID, userID string, req models.JoinRoomRequest) (*playback.JoinResult, error) {
	res, err := h.svc.Join(ctx, roomID, userID, req.DisplayName, req.Avatar)
	if err != nil {
		return nil, err
	}
	h.log.Info("participant joined",
		zap.String("room", roomID), zap.String("user", userID), zap.Bool("rejoined", res.Rejoined))
	return res, nil
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}
	h.respond(c, "leave", h.svc.Leave(c.Request.Context(), c.Param("roomId"), userID))
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, playback.RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
