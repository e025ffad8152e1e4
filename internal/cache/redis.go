package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// RedisCache implements ChatCache on Redis sets and hashes. Set add/remove
// are atomic server-side, so concurrent joins/leaves from different gateway
// instances cannot lose updates.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache wraps an existing Redis client. The caller owns the client's
// lifecycle.
func NewRedisCache(client *redis.Client, logger *slog.Logger) (*RedisCache, error) {
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{
		client: client,
		logger: logger.With("component", "cache", "backend", "redis"),
	}, nil
}

// AddToChats SADDs the user into each chat's online set.
func (c *RedisCache) AddToChats(ctx context.Context, userID string, chatIDs []string) error {
	if len(chatIDs) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, chatID := range chatIDs {
		pipe.SAdd(ctx, onlineKey(chatID), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add user %s to chats: %w", userID, err)
	}
	return nil
}

// RemoveFromChats SREMs the user from each chat's online set. Redis drops
// empty sets automatically, so a chat's last departure leaves no key behind.
func (c *RedisCache) RemoveFromChats(ctx context.Context, userID string, chatIDs []string) error {
	if len(chatIDs) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, chatID := range chatIDs {
		pipe.SRem(ctx, onlineKey(chatID), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove user %s from chats: %w", userID, err)
	}
	return nil
}

// OnlineParticipants returns the chat's online members minus the requester.
func (c *RedisCache) OnlineParticipants(ctx context.Context, chatID, exceptUserID string) ([]string, error) {
	members, err := c.client.SMembers(ctx, onlineKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("online participants of chat %s: %w", chatID, err)
	}

	out := members[:0]
	for _, m := range members {
		if m != exceptUserID {
			out = append(out, m)
		}
	}
	return out, nil
}

// UpsertChatSummary HSETs the summary under both members' chat lists.
func (c *RedisCache) UpsertChatSummary(ctx context.Context, userID, participantID string, summary domain.ChatSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal chat summary: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, summaryKey(userID), summary.ChatID, data)
	pipe.HSet(ctx, summaryKey(participantID), summary.ChatID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert summary for chat %s: %w", summary.ChatID, err)
	}

	c.logger.Debug("chat summary updated", "chat_id", summary.ChatID, "user_id", userID, "participant_id", participantID)
	return nil
}
