package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrisync/db"
	"agrisync/middleware"
	"agrisync/models"
	"agrisync/services"
	"agrisync/utils"
)

type ExpertHandler struct {
	repo      *db.Repository
	publisher *services.Publisher
	logger    *utils.Logger
}

func NewExpertHandler(repo *db.Repository, publisher *services.Publisher, logger *utils.Logger) *ExpertHandler {
	return &ExpertHandler{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ListExperts handles GET /api/v1/experts
func (h *ExpertHandler) ListExperts(c *gin.Context) {
	experts, err := h.repo.ListExperts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list experts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch experts",
		})
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[models.Expert]{
		Data:  experts,
		Total: int64(len(experts)),
	})
}

// ToggleFollow handles POST /api/v1/experts/:id/follow
func (h *ExpertHandler) ToggleFollow(c *gin.Context) {
	expertID := c.Param("id")
	userID := middleware.UserID(c)

	if expertID == userID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Cannot follow yourself",
		})
		return
	}

	expert, follow, following, err := h.repo.ToggleFollow(c.Request.Context(), userID, expertID)
	if err != nil {
		h.logger.Error("Failed to toggle follow", "expert_id", expertID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to toggle follow",
		})
		return
	}

	// Only the edge event goes out; subscribers apply the follower delta
	// themselves, guarded by their echo windows.
	if following {
		h.publisher.PublishAsync(models.NewChangeEvent(
			models.EventInsert, models.EntityFollow, models.ExpertsTopic(), follow, nil))
		h.notifyFollow(c, expertID, userID)
	} else {
		h.publisher.PublishAsync(models.NewChangeEvent(
			models.EventDelete, models.EntityFollow, models.ExpertsTopic(), nil, follow))
	}

	c.JSON(http.StatusOK, models.FollowResponse{Following: following, Expert: expert})
}

// ListFollowing handles GET /api/v1/me/follows
func (h *ExpertHandler) ListFollowing(c *gin.Context) {
	follows, err := h.repo.ListFollowsByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.logger.Error("Failed to list follows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch follows",
		})
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[models.Follow]{
		Data:  follows,
		Total: int64(len(follows)),
	})
}

func (h *ExpertHandler) notifyFollow(c *gin.Context, expertID, actorID string) {
	n := models.Notification{
		UserID:  expertID,
		ActorID: actorID,
		Kind:    models.NotificationFollow,
		Message: "started following you",
	}
	if err := h.repo.CreateNotification(c.Request.Context(), &n); err != nil {
		h.logger.Error("Failed to create follow notification", "expert_id", expertID, "error", err)
		return
	}
	h.publisher.PublishAsync(models.NewChangeEvent(
		models.EventInsert, models.EntityNotification, models.UserTopic(expertID), &n, nil))
}
