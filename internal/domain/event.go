package domain

import (
	"encoding/json"
	"time"
)

// Kind is the tag of a realtime chat event. The set is closed; anything
// else decodes fine but reports Known() == false and is dropped by dispatch.
type Kind string

const (
	KindGoesOnline  Kind = "goes_online"
	KindGoesOffline Kind = "goes_offline"
	KindTypingStart Kind = "typing_start"
	KindTypingStop  Kind = "typing_stop"
	KindSentMessage Kind = "sent_message"
	KindCreatedChat Kind = "created_chat"

	// KindError is server->client only, used for inline error acks.
	KindError Kind = "error"
)

// Known reports whether the kind belongs to the closed event set.
func (k Kind) Known() bool {
	switch k {
	case KindGoesOnline, KindGoesOffline, KindTypingStart, KindTypingStop,
		KindSentMessage, KindCreatedChat:
		return true
	}
	return false
}

// ClientSent reports whether clients are allowed to originate this kind.
// Presence transitions are connect/disconnect driven; a client sending them
// directly is a protocol error.
func (k Kind) ClientSent() bool {
	switch k {
	case KindTypingStart, KindTypingStop, KindSentMessage, KindCreatedChat:
		return true
	}
	return false
}

// Participant identifies the other member of a chat.
type Participant struct {
	ID string `json:"id"`
}

// LastMessage is the message body carried inside sent_message frames and
// chat summaries.
type LastMessage struct {
	ID        string `json:"id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Frame is the wire envelope for both directions. Payload fields live
// alongside the tag; which ones are required depends on the kind and is
// checked by Validate at the dispatch boundary, not inside handlers.
type Frame struct {
	Type           Kind         `json:"type"`
	ChatID         string       `json:"id,omitempty"`
	Participant    *Participant `json:"participant,omitempty"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	LastActivityAt int64        `json:"last_activity_at,omitempty"`
	Detail         string       `json:"detail,omitempty"`
}

// DecodeFrame parses a raw client frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ParticipantID returns the participant id, or "" when absent.
func (f *Frame) ParticipantID() string {
	if f.Participant == nil {
		return ""
	}
	return f.Participant.ID
}

// MessageText returns the message body, or "" when absent.
func (f *Frame) MessageText() string {
	if f.LastMessage == nil {
		return ""
	}
	return f.LastMessage.Message
}

// Validate checks the fields the frame's kind requires.
func (f *Frame) Validate() error {
	switch f.Type {
	case KindTypingStart, KindTypingStop:
		if f.ChatID == "" {
			return ErrMissingChatID
		}
	case KindSentMessage:
		if f.ParticipantID() == "" {
			return ErrMissingParticipant
		}
		if f.ChatID == "" {
			return ErrMissingChatID
		}
	case KindCreatedChat:
		if f.ParticipantID() == "" {
			return ErrMissingParticipant
		}
	case KindGoesOnline, KindGoesOffline, KindError:
		// no required fields
	default:
		return ErrUnknownEvent
	}
	return nil
}

// NewErrorFrame builds an inline error ack for the originating connection.
func NewErrorFrame(detail string) *Frame {
	return &Frame{Type: KindError, Detail: detail}
}

// NewPresenceFrame builds the goes_online/goes_offline notification
// published to a chat peer.
func NewPresenceFrame(kind Kind, chatID string) *Frame {
	return &Frame{Type: kind, ChatID: chatID}
}

// ChatSummary is the denormalized "last message" record kept in the shared
// cache for fast chat-list rendering.
type ChatSummary struct {
	ChatID         string      `json:"id"`
	LastActivityAt int64       `json:"last_activity_at"`
	LastMessage    LastMessage `json:"last_message"`
}

// NewChatSummary builds a summary from a delivered message.
func NewChatSummary(chatID, messageID, senderID, text string, at time.Time) ChatSummary {
	ts := at.Unix()
	return ChatSummary{
		ChatID:         chatID,
		LastActivityAt: ts,
		LastMessage: LastMessage{
			ID:        messageID,
			ChatID:    chatID,
			SenderID:  senderID,
			Message:   text,
			CreatedAt: ts,
		},
	}
}
