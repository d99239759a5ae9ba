// Package handlers exposes the playback service over gin and pushes room
// state to browsers through the realtime gateway.
package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/synctube/internal/errs"
	"github.com/mossy-p/synctube/internal/middleware"
	"github.com/mossy-p/synctube/internal/playback"
	"github.com/mossy-p/synctube/internal/store"
	"go.uber.org/zap"
)

type Handler struct {
	svc         *playback.Service
	store       store.Store
	log         *zap.Logger
	jwtSecret   string
	tokenTTL    time.Duration
	signalGrace time.Duration

	// open gateway sockets per room/user on this instance
	sessionsMu sync.Mutex
	sessions   map[string]int
}

type Option func(*Handler)

func WithTokenTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.tokenTTL = ttl }
}

// WithSignalGrace sets how far back the gateway replays signals on connect.
func WithSignalGrace(d time.Duration) Option {
	return func(h *Handler) { h.signalGrace = d }
}

func New(svc *playback.Service, st store.Store, jwtSecret string, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		svc:         svc,
		store:       st,
		log:         log.Named("http"),
		jwtSecret:   jwtSecret,
		tokenTTL:    24 * time.Hour,
		signalGrace: 2 * time.Second,
		sessions:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on router.
func (h *Handler) Register(router *gin.Engine) {
	auth := middleware.JWTAuth(h.jwtSecret)

	api := router.Group("/api")
	{
		api.POST("/auth/login", h.Login)
		api.POST("/auth/anonymous", h.LoginAnonymous)

		api.POST("/rooms", auth, h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)

		room := api.Group("/rooms/:roomId", auth)
		room.DELETE("", h.DeleteRoom)
		room.POST("/join", h.JoinRoom)
		room.POST("/leave", h.LeaveRoom)

		room.GET("/participants", h.ListParticipants)
		room.DELETE("/participants/:userId", h.KickParticipant)
		room.PUT("/participants/:userId/live-access", h.SetLiveAccess)
		room.PATCH("/presence", h.UpdatePresence)

		room.PATCH("/playback", h.UpdatePlayback)
		room.PUT("/video", h.SetVideo)
		room.PATCH("/settings", h.UpdateSettings)

		room.POST("/queue", h.Enqueue)
		room.PUT("/queue", h.ReorderQueue)
		room.DELETE("/queue", h.ClearQueue)
		room.DELETE("/queue/:index", h.RemoveFromQueue)
		room.POST("/queue/play", h.PlayFromQueue)
		room.POST("/queue/play-all", h.PlayAll)
		room.POST("/queue/next", h.PlayNext)
		room.POST("/queue/previous", h.PlayPrevious)
		room.POST("/queue/advance", h.AdvanceQueue)

		room.GET("/reactions", h.ListReactions)
		room.POST("/reactions", h.AddReaction)
		room.GET("/messages", h.ListMessages)
		room.POST("/messages", h.AddMessage)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/rooms/:roomId", auth, h.HandleGateway)
	}
}

// statusFor maps the error taxonomy onto HTTP. Conflicts are checked before
// the permission class they are folded into.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrRoomNotFound), errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrRoomLocked):
		return http.StatusLocked
	case errors.Is(err, errs.ErrTransactionConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrPermissionDenied),
		errors.Is(err, errs.ErrNotHost),
		errors.Is(err, errs.ErrLiveNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrInvalidIndex):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("op", op), zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	h.log.Debug("request rejected", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

// actor returns the authenticated user or writes 401.
func actor(c *gin.Context) (string, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	}
	return id, ok
}

func (h *Handler) respond(c *gin.Context, op string, err error) {
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}
