package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agrisync/models"
)

// Repository is the storage layer for the sync hub. Toggle mutations run in
// transactions that maintain the derived aggregates (reaction counts on
// posts, follower counts on experts) so the emitted change event already
// carries consistent state.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// FeedFilter narrows the feed listing.
type FeedFilter struct {
	Crop     string
	Tag      string
	Page     int
	PageSize int
}

func (r *Repository) ListFeed(ctx context.Context, f FeedFilter) ([]models.Post, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&models.Post{})
	if f.Crop != "" {
		query = query.Where("crop = ?", f.Crop)
	}
	if f.Tag != "" {
		query = query.Where("tags @> ?", fmt.Sprintf(`["%s"]`, f.Tag))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count posts: %w", err)
	}

	var posts []models.Post
	offset := (f.Page - 1) * f.PageSize
	if err := query.Offset(offset).Limit(f.PageSize).Order("created_at DESC").Find(&posts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch posts: %w", err)
	}

	return posts, total, nil
}

func (r *Repository) GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch post: %w", err)
	}
	return &post, nil
}

func (r *Repository) CreatePost(ctx context.Context, post *models.Post) error {
	if post.ReactionCounts == nil {
		post.ReactionCounts = make(models.ReactionCounts)
	}
	if post.Tags == nil {
		post.Tags = models.StringList{}
	}
	if err := r.db.WithContext(ctx).Create(post).Error; err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

func (r *Repository) CreateComment(ctx context.Context, comment *models.Comment) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&post, "id = ?", comment.PostID).Error; err != nil {
			return fmt.Errorf("failed to lock post: %w", err)
		}
		if err := tx.Create(comment).Error; err != nil {
			return fmt.Errorf("failed to create comment: %w", err)
		}
		post.CommentCount++
		if err := tx.Model(&post).Update("comment_count", post.CommentCount).Error; err != nil {
			return fmt.Errorf("failed to update comment count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// ToggleReaction flips the (post, user, kind) reaction row and adjusts the
// post's JSONB counter in the same transaction. Returns the updated post,
// the affected reaction row and whether the reaction is now active.
func (r *Repository) ToggleReaction(ctx context.Context, postID uuid.UUID, userID string, kind models.ReactionKind) (*models.Post, *models.Reaction, bool, error) {
	var (
		post     models.Post
		reaction models.Reaction
		active   bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&post, "id = ?", postID).Error; err != nil {
			return fmt.Errorf("failed to lock post: %w", err)
		}
		if post.ReactionCounts == nil {
			post.ReactionCounts = make(models.ReactionCounts)
		}

		err := tx.Where("post_id = ? AND user_id = ? AND kind = ?", postID, userID, kind).
			First(&reaction).Error

		switch {
		case err == nil:
			// Active reaction: remove it.
			if err := tx.Delete(&reaction).Error; err != nil {
				return fmt.Errorf("failed to delete reaction: %w", err)
			}
			if post.ReactionCounts[kind] > 0 {
				post.ReactionCounts[kind]--
			}
			active = false
		case err == gorm.ErrRecordNotFound:
			reaction = models.Reaction{
				PostID: postID,
				UserID: userID,
				Kind:   kind,
			}
			if err := tx.Create(&reaction).Error; err != nil {
				return fmt.Errorf("failed to create reaction: %w", err)
			}
			post.ReactionCounts[kind]++
			active = true
		default:
			return fmt.Errorf("failed to look up reaction: %w", err)
		}

		if err := tx.Model(&post).Update("reaction_counts", post.ReactionCounts).Error; err != nil {
			return fmt.Errorf("failed to update reaction counts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}

	return &post, &reaction, active, nil
}

// ToggleSave flips the (post, user) bookmark row.
func (r *Repository) ToggleSave(ctx context.Context, postID uuid.UUID, userID string) (*models.SavedPost, bool, error) {
	var (
		saved  models.SavedPost
		active bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("post_id = ? AND user_id = ?", postID, userID).First(&saved).Error
		switch {
		case err == nil:
			if err := tx.Delete(&saved).Error; err != nil {
				return fmt.Errorf("failed to delete saved post: %w", err)
			}
			active = false
		case err == gorm.ErrRecordNotFound:
			saved = models.SavedPost{PostID: postID, UserID: userID}
			if err := tx.Create(&saved).Error; err != nil {
				return fmt.Errorf("failed to create saved post: %w", err)
			}
			active = true
		default:
			return fmt.Errorf("failed to look up saved post: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return &saved, active, nil
}

func (r *Repository) ListExperts(ctx context.Context) ([]models.Expert, error) {
	var experts []models.Expert
	if err := r.db.WithContext(ctx).Order("followers DESC").Find(&experts).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch experts: %w", err)
	}
	return experts, nil
}

// ToggleFollow flips the follower -> expert edge and adjusts the expert's
// follower aggregate in the same transaction.
func (r *Repository) ToggleFollow(ctx context.Context, followerID, expertID string) (*models.Expert, *models.Follow, bool, error) {
	var (
		expert    models.Expert
		follow    models.Follow
		following bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&expert, "user_id = ?", expertID).Error; err != nil {
			return fmt.Errorf("failed to lock expert: %w", err)
		}

		err := tx.Where("follower_id = ? AND expert_id = ?", followerID, expertID).
			First(&follow).Error

		switch {
		case err == nil:
			if err := tx.Delete(&follow).Error; err != nil {
				return fmt.Errorf("failed to delete follow: %w", err)
			}
			if expert.Followers > 0 {
				expert.Followers--
			}
			following = false
		case err == gorm.ErrRecordNotFound:
			follow = models.Follow{FollowerID: followerID, ExpertID: expertID}
			if err := tx.Create(&follow).Error; err != nil {
				return fmt.Errorf("failed to create follow: %w", err)
			}
			expert.Followers++
			following = true
		default:
			return fmt.Errorf("failed to look up follow: %w", err)
		}

		if err := tx.Model(&expert).Update("followers", expert.Followers).Error; err != nil {
			return fmt.Errorf("failed to update follower count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}

	return &expert, &follow, following, nil
}

func (r *Repository) ListReactionsByUser(ctx context.Context, userID string) ([]models.Reaction, error) {
	var reactions []models.Reaction
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&reactions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch reactions: %w", err)
	}
	return reactions, nil
}

func (r *Repository) ListSavedByUser(ctx context.Context, userID string) ([]models.SavedPost, error) {
	var saved []models.SavedPost
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&saved).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch saved posts: %w", err)
	}
	return saved, nil
}

func (r *Repository) ListFollowsByUser(ctx context.Context, followerID string) ([]models.Follow, error) {
	var follows []models.Follow
	if err := r.db.WithContext(ctx).Where("follower_id = ?", followerID).Find(&follows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch follows: %w", err)
	}
	return follows, nil
}

func (r *Repository) CreateNotification(ctx context.Context, n *models.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *Repository) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	var items []models.Notification
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	return items, nil
}

func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID, userID string) (*models.Notification, error) {
	var n models.Notification
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch notification: %w", err)
	}
	if !n.Read {
		n.Read = true
		if err := r.db.WithContext(ctx).Model(&n).Update("read", true).Error; err != nil {
			return nil, fmt.Errorf("failed to mark notification read: %w", err)
		}
	}
	return &n, nil
}
