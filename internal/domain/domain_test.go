package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Frame Decode Tests
// =============================================================================

func TestDecodeFrame_TypingStart(t *testing.T) {
	raw := []byte(`{"type":"typing_start","id":"chat-1"}`)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)

	assert.Equal(t, KindTypingStart, f.Type)
	assert.Equal(t, "chat-1", f.ChatID)
	assert.True(t, f.Type.Known())
	assert.True(t, f.Type.ClientSent())
}

func TestDecodeFrame_SentMessage(t *testing.T) {
	raw := []byte(`{
		"type": "sent_message",
		"id": "chat-1",
		"participant": {"id": "user-b"},
		"last_message": {"message": "hi", "sender_id": "user-a"}
	}`)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)

	assert.Equal(t, KindSentMessage, f.Type)
	assert.Equal(t, "user-b", f.ParticipantID())
	assert.Equal(t, "hi", f.MessageText())
}

func TestDecodeFrame_UnknownKindIsNotAnError(t *testing.T) {
	raw := []byte(`{"type":"dances_poorly","id":"x"}`)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)

	assert.False(t, f.Type.Known())
	assert.False(t, f.Type.ClientSent())
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":`))
	assert.Error(t, err)
}

// =============================================================================
// Frame Validate Tests
// =============================================================================

func TestFrame_Validate_TypingRequiresChatID(t *testing.T) {
	f := &Frame{Type: KindTypingStart}
	assert.ErrorIs(t, f.Validate(), ErrMissingChatID)

	f = &Frame{Type: KindTypingStop}
	assert.ErrorIs(t, f.Validate(), ErrMissingChatID)

	f = &Frame{Type: KindTypingStart, ChatID: "chat-1"}
	assert.NoError(t, f.Validate())
}

func TestFrame_Validate_TypingWithNullID(t *testing.T) {
	// Clients sometimes send {"id": null}; that must validate like a
	// missing field, not decode into something truthy.
	f, err := DecodeFrame([]byte(`{"type":"typing_start","id":null}`))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Validate(), ErrMissingChatID)
}

func TestFrame_Validate_SentMessageRequiresParticipant(t *testing.T) {
	f := &Frame{Type: KindSentMessage, ChatID: "chat-1"}
	assert.ErrorIs(t, f.Validate(), ErrMissingParticipant)

	f = &Frame{Type: KindSentMessage, ChatID: "chat-1", Participant: &Participant{}}
	assert.ErrorIs(t, f.Validate(), ErrMissingParticipant)

	f = &Frame{
		Type:        KindSentMessage,
		ChatID:      "chat-1",
		Participant: &Participant{ID: "user-b"},
	}
	assert.NoError(t, f.Validate())
}

func TestFrame_Validate_CreatedChatRequiresParticipant(t *testing.T) {
	f := &Frame{Type: KindCreatedChat}
	assert.ErrorIs(t, f.Validate(), ErrMissingParticipant)
}

func TestFrame_Validate_UnknownKind(t *testing.T) {
	f := &Frame{Type: "dances_poorly"}
	assert.ErrorIs(t, f.Validate(), ErrUnknownEvent)
}

func TestFrame_EncodeRoundTrip(t *testing.T) {
	f := NewPresenceFrame(KindGoesOnline, "chat-1")

	data, err := f.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "goes_online", decoded["type"])
	assert.Equal(t, "chat-1", decoded["id"])
	// Empty optional fields must not leak onto the wire.
	assert.NotContains(t, decoded, "participant")
	assert.NotContains(t, decoded, "detail")
}

// =============================================================================
// ChatSummary Tests
// =============================================================================

func TestNewChatSummary(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewChatSummary("chat-1", "msg-1", "user-a", "hello", at)

	assert.Equal(t, "chat-1", s.ChatID)
	assert.Equal(t, at.Unix(), s.LastActivityAt)
	assert.Equal(t, "msg-1", s.LastMessage.ID)
	assert.Equal(t, "user-a", s.LastMessage.SenderID)
	assert.Equal(t, "hello", s.LastMessage.Message)
	assert.Equal(t, at.Unix(), s.LastMessage.CreatedAt)
}
