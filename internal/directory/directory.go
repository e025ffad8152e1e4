// Package directory answers membership questions about chats: which chats a
// user belongs to, who the peer in each of them is, and who the members of a
// given chat are. It reads the relational store the REST side writes;
// nothing here mutates chat membership.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// NewPool creates a pgx connection pool with gateway-appropriate sizing.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ChatDirectory reads chat membership from Postgres
type ChatDirectory struct {
	pool *pgxpool.Pool
}

func NewChatDirectory(pool *pgxpool.Pool) *ChatDirectory {
	return &ChatDirectory{pool: pool}
}

// ChatsForUser returns every chat the user belongs to, each paired with the
// other participant. An empty result is normal for users with no chats.
func (d *ChatDirectory) ChatsForUser(ctx context.Context, userID uuid.UUID) ([]domain.ChatPeer, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT cp.chat_id, peer.user_id
		FROM chat_participants cp
		JOIN chat_participants peer
		  ON peer.chat_id = cp.chat_id AND peer.user_id <> cp.user_id
		WHERE cp.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("chats for user %s: %w", userID, err)
	}
	defer rows.Close()

	var peers []domain.ChatPeer
	for rows.Next() {
		var p domain.ChatPeer
		if err := rows.Scan(&p.ChatID, &p.ParticipantID); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Members returns the member ids of a chat.
func (d *ChatDirectory) Members(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT user_id FROM chat_participants WHERE chat_id = $1
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("members of chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// IsMember reports whether the user belongs to the chat.
func (d *ChatDirectory) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2
		)
	`, chatID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("membership of %s in %s: %w", userID, chatID, err)
	}
	return exists, nil
}
