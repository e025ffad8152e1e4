package cache

import (
	"context"
	"sync"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// MemoryCache implements ChatCache with in-process maps. Suitable for
// single-instance deployments and tests; presence is then only visible to
// this process, which is fine when there is only one.
type MemoryCache struct {
	mu        sync.RWMutex
	online    map[string]map[string]bool // chat id -> online user ids
	summaries map[string]map[string]domain.ChatSummary
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		online:    make(map[string]map[string]bool),
		summaries: make(map[string]map[string]domain.ChatSummary),
	}
}

func (c *MemoryCache) AddToChats(ctx context.Context, userID string, chatIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, chatID := range chatIDs {
		if c.online[chatID] == nil {
			c.online[chatID] = make(map[string]bool)
		}
		c.online[chatID][userID] = true
	}
	return nil
}

func (c *MemoryCache) RemoveFromChats(ctx context.Context, userID string, chatIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, chatID := range chatIDs {
		if members, ok := c.online[chatID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(c.online, chatID)
			}
		}
	}
	return nil
}

func (c *MemoryCache) OnlineParticipants(ctx context.Context, chatID, exceptUserID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	members := c.online[chatID]
	out := make([]string, 0, len(members))
	for m := range members {
		if m != exceptUserID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *MemoryCache) UpsertChatSummary(ctx context.Context, userID, participantID string, summary domain.ChatSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, uid := range []string{userID, participantID} {
		if c.summaries[uid] == nil {
			c.summaries[uid] = make(map[string]domain.ChatSummary)
		}
		c.summaries[uid][summary.ChatID] = summary
	}
	return nil
}

// Summary returns the stored summary for a user's chat (useful for testing)
func (c *MemoryCache) Summary(userID, chatID string) (domain.ChatSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.summaries[userID][chatID]
	return s, ok
}

// OnlineCount returns the size of a chat's online set (useful for testing)
func (c *MemoryCache) OnlineCount(chatID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.online[chatID])
}
