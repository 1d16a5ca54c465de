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

type PostHandler struct {
	repo      *db.Repository
	publisher *services.Publisher
	logger    *utils.Logger
}

func NewPostHandler(repo *db.Repository, publisher *services.Publisher, logger *utils.Logger) *PostHandler {
	return &PostHandler{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ListPosts handles GET /api/v1/posts
func (h *PostHandler) ListPosts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	posts, total, err := h.repo.ListFeed(c.Request.Context(), db.FeedFilter{
		Crop:     c.Query("crop"),
		Tag:      c.Query("tag"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.logger.Error("Failed to list posts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch posts",
		})
		return
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	c.JSON(http.StatusOK, models.ListResponse[models.Post]{
		Data:       posts,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// CreatePost handles POST /api/v1/posts
func (h *PostHandler) CreatePost(c *gin.Context) {
	var req models.CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	post := models.Post{
		AuthorID: middleware.UserID(c),
		Title:    req.Title,
		Body:     req.Body,
		Crop:     req.Crop,
		Tags:     req.Tags,
	}

	if err := h.repo.CreatePost(c.Request.Context(), &post); err != nil {
		h.logger.Error("Failed to create post", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create post",
		})
		return
	}

	h.publisher.PublishAsync(models.NewChangeEvent(
		models.EventInsert, models.EntityPost, models.FeedTopic(), &post, nil))

	c.JSON(http.StatusCreated, post)
}

// CreateComment handles POST /api/v1/posts/:id/comments
func (h *PostHandler) CreateComment(c *gin.Context) {
	postID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid post ID",
		})
		return
	}

	var req models.CreateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	userID := middleware.UserID(c)
	comment := models.Comment{
		PostID:   postID,
		AuthorID: userID,
		Body:     req.Body,
	}

	post, err := h.repo.CreateComment(c.Request.Context(), &comment)
	if err != nil {
		h.logger.Error("Failed to create comment", "post_id", postID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create comment",
		})
		return
	}

	h.publisher.PublishAsync(models.NewChangeEvent(
		models.EventInsert, models.EntityComment, models.PostTopic(postID.String()), &comment, nil))
	h.publisher.PublishAsync(models.NewChangeEvent(
		models.EventUpdate, models.EntityPost, models.FeedTopic(), post, nil))

	h.notify(c, post.AuthorID, userID, models.NotificationComment, &postID, "commented on your post")

	c.JSON(http.StatusCreated, comment)
}

// ToggleReaction handles POST /api/v1/posts/:id/reactions
func (h *PostHandler) ToggleReaction(c *gin.Context) {
	postID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid post ID",
		})
		return
	}

	var req models.ToggleReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil || !models.ValidReactionKind(req.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid reaction kind",
		})
		return
	}

	userID := middleware.UserID(c)
	post, reaction, active, err := h.repo.ToggleReaction(c.Request.Context(), postID, userID, req.Kind)
	if err != nil {
		h.logger.Error("Failed to toggle reaction", "post_id", postID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to toggle reaction",
		})
		return
	}

	if active {
		h.publisher.PublishAsync(models.NewChangeEvent(
			models.EventInsert, models.EntityReaction, models.FeedTopic(), reaction, nil))
		h.notify(c, post.AuthorID, userID, models.NotificationReaction, &postID, "reacted to your post")
	} else {
		h.publisher.PublishAsync(models.NewChangeEvent(
			models.EventDelete, models.EntityReaction, models.FeedTopic(), nil, reaction))
	}

	c.JSON(http.StatusOK, models.ToggleResponse{Active: active, Post: post})
}

// ToggleSave handles POST /api/v1/posts/:id/save
func (h *PostHandler) ToggleSave(c *gin.Context) {
	postID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid post ID",
		})
		return
	}

	userID := middleware.UserID(c)
	saved, active, err := h.repo.ToggleSave(c.Request.Context(), postID, userID)
	if err != nil {
		h.logger.Error("Failed to toggle save", "post_id", postID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to toggle save",
		})
		return
	}

	// Saved posts are private: the event goes to the user's own topic so
	// other sessions of the same account converge.
	if active {
		h.publisher.PublishAsync(models.NewChangeEvent(
			models.EventInsert, models.EntitySavedPost, models.UserTopic(userID), saved, nil))
	} else {
		h.publisher.PublishAsync(models.NewChangeEvent(
			models.EventDelete, models.EntitySavedPost, models.UserTopic(userID), nil, saved))
	}

	c.JSON(http.StatusOK, models.ToggleResponse{Active: active})
}

// ListMyReactions handles GET /api/v1/me/reactions
func (h *PostHandler) ListMyReactions(c *gin.Context) {
	reactions, err := h.repo.ListReactionsByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.logger.Error("Failed to list reactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch reactions",
		})
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[models.Reaction]{
		Data:  reactions,
		Total: int64(len(reactions)),
	})
}

// ListSaved handles GET /api/v1/me/saved
func (h *PostHandler) ListSaved(c *gin.Context) {
	saved, err := h.repo.ListSavedByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.logger.Error("Failed to list saved posts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to fetch saved posts",
		})
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[models.SavedPost]{
		Data:  saved,
		Total: int64(len(saved)),
	})
}

// notify records and fans out a notification; self-notifications are
// skipped. Failures are logged, never surfaced to the acting user.
func (h *PostHandler) notify(c *gin.Context, userID, actorID string, kind models.NotificationKind, postID *uuid.UUID, message string) {
	if userID == "" || userID == actorID {
		return
	}

	n := models.Notification{
		UserID:  userID,
		ActorID: actorID,
		Kind:    kind,
		PostID:  postID,
		Message: message,
	}
	if err := h.repo.CreateNotification(c.Request.Context(), &n); err != nil {
		h.logger.Error("Failed to create notification", "user_id", userID, "error", err)
		return
	}

	h.publisher.PublishAsync(models.NewChangeEvent(
		models.EventInsert, models.EntityNotification, models.UserTopic(userID), &n, nil))
}
