package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"agrisync/db"
	"agrisync/middleware"
	"agrisync/models"
	"agrisync/services"
	"agrisync/utils"
)

type NotificationHandler struct {
	repo      *db.Repository
	publisher *services.Publisher
	logger    *utils.Logger
}

func NewNotificationHandler(repo *db.Repository, publisher *services.Publisher, logger *utils.Logger) *NotificationHandler {
	return &NotificationHandler{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ListNotifications handles GET /api/v1/notifications
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := h.repo.ListNotifications(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		h.logger.Error("Failed to list notifications", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch notifications",
		})
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[models.Notification]{
		Data:  items,
		Total: int64(len(items)),
	})
}

// MarkRead handles PUT /api/v1/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid notification ID",
		})
		return
	}

	userID := middleware.UserID(c)
	n, err := h.repo.MarkNotificationRead(c.Request.Context(), id, userID)
	if err != nil {
		h.logger.Error("Failed to mark notification read", "id", id, "error", err)
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Notification not found",
		})
		return
	}

	h.publisher.PublishAsync(models.NewChangeEvent(
		models.EventUpdate, models.EntityNotification, models.UserTopic(userID), n, nil))

	c.JSON(http.StatusOK, n)
}
