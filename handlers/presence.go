package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrisync/middleware"
	"agrisync/models"
	"agrisync/services"
	"agrisync/utils"
)

type PresenceHandler struct {
	service *services.PresenceService
	logger  *utils.Logger
}

func NewPresenceHandler(service *services.PresenceService, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger,
	}
}

// Heartbeat handles POST /api/v1/presence/heartbeat
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid JSON payload",
		})
		return
	}

	if req.Status == "" {
		req.Status = models.PresenceOnline
	}
	switch req.Status {
	case models.PresenceOnline, models.PresenceAway, models.PresenceOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid presence status",
		})
		return
	}

	userID := middleware.UserID(c)
	if err := h.service.UpdatePresence(c.Request.Context(), userID, req.Status, req.Device); err != nil {
		h.logger.Error("Failed to update presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update presence",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Presence updated",
	})
}

// Offline handles POST /api/v1/presence/offline
func (h *PresenceHandler) Offline(c *gin.Context) {
	userID := middleware.UserID(c)
	if err := h.service.RemovePresence(c.Request.Context(), userID); err != nil {
		h.logger.Error("Failed to remove presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to remove presence",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Presence removed",
	})
}

// GetStatus handles GET /api/v1/presence/status
func (h *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id parameter is required",
		})
		return
	}

	presence, err := h.service.GetPresence(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch presence",
		})
		return
	}

	isOnline, _ := h.service.IsOnline(c.Request.Context(), userID)

	c.JSON(http.StatusOK, models.StatusResponse{
		UserID:   presence.UserID,
		Status:   presence.Status,
		LastSeen: presence.LastSeen,
		IsOnline: isOnline,
	})
}

// GetOnlineUsers handles GET /api/v1/presence/online
func (h *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users, err := h.service.GetOnlineUsers(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get online users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch online users",
		})
		return
	}

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
	})
}
