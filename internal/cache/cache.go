// Package cache holds the ephemeral chat state shared across gateway
// instances: which users are online in which chats, and the denormalized
// last-message summary used for fast chat-list rendering. Connections for
// different members of the same chat may live on different processes, so
// this state lives in a shared store, never in-process.
package cache

import (
	"context"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// ChatCache is the shared presence/summary store. Implementations must
// tolerate concurrent set mutation from many processes without lost updates.
type ChatCache interface {
	// AddToChats marks the user online in each of the given chats.
	AddToChats(ctx context.Context, userID string, chatIDs []string) error

	// RemoveFromChats marks the user offline in each of the given chats.
	// Chats the user was not in are ignored.
	RemoveFromChats(ctx context.Context, userID string, chatIDs []string) error

	// OnlineParticipants returns the members of the chat currently online,
	// excluding the requesting user.
	OnlineParticipants(ctx context.Context, chatID, exceptUserID string) ([]string, error)

	// UpsertChatSummary stores the chat's last-message summary for both
	// members' chat lists.
	UpsertChatSummary(ctx context.Context, userID, participantID string, summary domain.ChatSummary) error
}

// Key layout shared by backends (and by whatever else reads the cache).
const (
	onlineKeyPrefix  = "chats:"
	onlineKeySuffix  = ":online"
	summaryKeyPrefix = "chats:summary:"
)

func onlineKey(chatID string) string {
	return onlineKeyPrefix + chatID + onlineKeySuffix
}

func summaryKey(userID string) string {
	return summaryKeyPrefix + userID
}
