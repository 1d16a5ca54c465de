package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agrisync/models"
	"agrisync/utils"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
)

// PresenceService stores per-user presence in Redis with a TTL. A record
// older than the TTL reads as offline regardless of its stored status, which
// covers crashed sessions that never wrote an offline transition.
type PresenceService struct {
	redis     *redis.Client
	publisher *Publisher
	logger    *utils.Logger
	ttl       time.Duration
	now       func() time.Time
}

func NewPresenceService(redisClient *redis.Client, publisher *Publisher, ttl time.Duration, logger *utils.Logger) *PresenceService {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &PresenceService{
		redis:     redisClient,
		publisher: publisher,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
	}
}

// UpdatePresence writes a heartbeat and publishes the presence change to
// subscribers of the presence topic.
func (ps *PresenceService) UpdatePresence(ctx context.Context, userID string, status models.PresenceStatus, device string) error {
	presence := models.UserPresence{
		UserID:   userID,
		Status:   status,
		LastSeen: ps.now(),
		Device:   device,
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	key := presenceKeyPrefix + userID

	// Use pipeline for atomic operations
	pipe := ps.redis.Pipeline()
	pipe.Set(ctx, key, data, ps.ttl)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, ps.ttl*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}

	ps.publisher.PublishAsync(models.NewChangeEvent(
		models.EventUpdate, models.EntityPresence, models.PresenceTopic(), &presence, nil))

	ps.logger.Debug("Updated presence", "user_id", userID, "status", status)
	return nil
}

// RemovePresence writes an explicit offline transition.
func (ps *PresenceService) RemovePresence(ctx context.Context, userID string) error {
	key := presenceKeyPrefix + userID

	pipe := ps.redis.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, onlineSetKey, userID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}

	offline := models.UserPresence{
		UserID:   userID,
		Status:   models.PresenceOffline,
		LastSeen: ps.now(),
	}
	ps.publisher.PublishAsync(models.NewChangeEvent(
		models.EventUpdate, models.EntityPresence, models.PresenceTopic(), &offline, nil))

	ps.logger.Debug("Removed presence", "user_id", userID)
	return nil
}

// GetPresence reads a user's presence, deriving offline for missing or
// stale records.
func (ps *PresenceService) GetPresence(ctx context.Context, userID string) (*models.UserPresence, error) {
	key := presenceKeyPrefix + userID

	data, err := ps.redis.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// Not found or expired: derived offline.
			return &models.UserPresence{
				UserID: userID,
				Status: models.PresenceOffline,
			}, nil
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.UserPresence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence data: %w", err)
	}

	// Stale records read as offline; the stored record is untouched.
	if ps.now().Sub(presence.LastSeen) >= ps.ttl {
		presence.Status = models.PresenceOffline
	}

	return &presence, nil
}

// IsOnline reports the derived online state for one user.
func (ps *PresenceService) IsOnline(ctx context.Context, userID string) (bool, error) {
	presence, err := ps.GetPresence(ctx, userID)
	if err != nil {
		return false, err
	}
	return presence.IsOnline(ps.ttl, ps.now()), nil
}

// GetOnlineUsers lists users with fresh online presence, pruning expired
// entries from the online set as a side effect.
func (ps *PresenceService) GetOnlineUsers(ctx context.Context) ([]models.UserPresence, error) {
	userIDs, err := ps.redis.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	if len(userIDs) == 0 {
		return []models.UserPresence{}, nil
	}

	pipe := ps.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.Get(ctx, presenceKeyPrefix+userID)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get presence data: %w", err)
	}

	now := ps.now()
	var online []models.UserPresence
	var expired []interface{}

	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				expired = append(expired, userIDs[i])
				continue
			}
			ps.logger.Warn("Failed to read presence", "user_id", userIDs[i], "error", err)
			continue
		}

		var presence models.UserPresence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			ps.logger.Warn("Failed to unmarshal presence", "user_id", userIDs[i], "error", err)
			continue
		}

		if presence.IsOnline(ps.ttl, now) {
			online = append(online, presence)
		} else if now.Sub(presence.LastSeen) >= ps.ttl {
			expired = append(expired, presence.UserID)
		}
	}

	if len(expired) > 0 {
		if err := ps.redis.SRem(ctx, onlineSetKey, expired...).Err(); err != nil {
			ps.logger.Warn("Failed to prune online set", "error", err)
		}
	}

	if online == nil {
		online = []models.UserPresence{}
	}
	return online, nil
}
