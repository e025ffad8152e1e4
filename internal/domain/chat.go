package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is the persistence job payload handed to the durable message
// store. The gateway generates ID and CreatedAt server-side; client-supplied
// values are never trusted.
type ChatMessage struct {
	ID        uuid.UUID `json:"message_id"`
	ChatID    uuid.UUID `json:"chat_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatPeer pairs a chat with the other participant in it, as returned by the
// room/participant directory for one user.
type ChatPeer struct {
	ChatID        uuid.UUID
	ParticipantID uuid.UUID
}
