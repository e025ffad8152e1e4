package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podlabs/pod-gateway/internal/cache"
	"github.com/podlabs/pod-gateway/internal/domain"
	"github.com/podlabs/pod-gateway/internal/pubsub"
	"github.com/podlabs/pod-gateway/internal/tasks"
)

// fakeDirectory is an in-memory stand-in for the relational directory
type fakeDirectory struct {
	peers   map[uuid.UUID][]domain.ChatPeer
	members map[uuid.UUID][]uuid.UUID
}

func (d *fakeDirectory) ChatsForUser(ctx context.Context, userID uuid.UUID) ([]domain.ChatPeer, error) {
	return d.peers[userID], nil
}

func (d *fakeDirectory) Members(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	return d.members[chatID], nil
}

func (d *fakeDirectory) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	for _, m := range d.members[chatID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

type gatewayFixture struct {
	gateway *Gateway
	cache   *cache.MemoryCache
	queue   *tasks.MemoryEnqueuer

	userA, userB uuid.UUID
	chat         uuid.UUID
}

// newGatewayFixture wires a gateway over memory backends with users A and B
// sharing one chat.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	userA, userB := uuid.New(), uuid.New()
	chat := uuid.New()

	dir := &fakeDirectory{
		peers: map[uuid.UUID][]domain.ChatPeer{
			userA: {{ChatID: chat, ParticipantID: userB}},
			userB: {{ChatID: chat, ParticipantID: userA}},
		},
		members: map[uuid.UUID][]uuid.UUID{
			chat: {userA, userB},
		},
	}

	bus := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { bus.Close() })

	memCache := cache.NewMemoryCache()
	queue := tasks.NewMemoryEnqueuer()
	registry := NewRegistry(testLogger())

	return &gatewayFixture{
		gateway: NewGateway(registry, bus, memCache, dir, queue, testLogger()),
		cache:   memCache,
		queue:   queue,
		userA:   userA,
		userB:   userB,
		chat:    chat,
	}
}

func (f *gatewayFixture) connect(t *testing.T, userID uuid.UUID) *Session {
	t.Helper()
	s := newTestSession(userID)
	require.NoError(t, f.gateway.HandleConnect(context.Background(), s))
	return s
}

// recvFrame waits for the next frame delivered to the session
func recvFrame(t *testing.T, s *Session) *domain.Frame {
	t.Helper()
	select {
	case raw := <-s.send:
		f, err := domain.DecodeFrame(raw)
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

// expectNoFrame asserts nothing arrives within a scheduling grace period
func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.send:
		t.Fatalf("unexpected frame delivered: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

// drain discards everything currently buffered for the session
func drain(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

// =============================================================================
// Presence Tests
// =============================================================================

func TestGateway_ConnectBroadcastsOnlineToPeers(t *testing.T) {
	f := newGatewayFixture(t)

	sessB := f.connect(t, f.userB)
	// B's own online broadcast went to A's topic before A subscribed:
	// at-most-once means it is simply gone.
	expectNoFrame(t, sessB)

	f.connect(t, f.userA)

	frame := recvFrame(t, sessB)
	assert.Equal(t, domain.KindGoesOnline, frame.Type)
	assert.Equal(t, f.chat.String(), frame.ChatID)

	// Both users are now in the chat's online set.
	assert.Equal(t, 2, f.cache.OnlineCount(f.chat.String()))
}

func TestGateway_SecondDeviceDoesNotRebroadcastOnline(t *testing.T) {
	f := newGatewayFixture(t)

	sessB := f.connect(t, f.userB)
	f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	f.connect(t, f.userA) // second device
	expectNoFrame(t, sessB)
}

func TestGateway_OfflineFiresOnlyOnLastDisconnect(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA1 := f.connect(t, f.userA)
	sessA2 := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online
	drain(sessB)

	f.gateway.HandleDisconnect(ctx, sessA1)
	expectNoFrame(t, sessB)

	f.gateway.HandleDisconnect(ctx, sessA2)
	frame := recvFrame(t, sessB)
	assert.Equal(t, domain.KindGoesOffline, frame.Type)
	assert.Equal(t, f.chat.String(), frame.ChatID)

	// A left the online set; B remains.
	assert.Equal(t, 1, f.cache.OnlineCount(f.chat.String()))
}

func TestGateway_DisconnectTwiceIsHarmless(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB)

	f.gateway.HandleDisconnect(ctx, sessA)
	recvFrame(t, sessB) // goes_offline

	f.gateway.HandleDisconnect(ctx, sessA)
	expectNoFrame(t, sessB)
}

func TestGateway_DeadConnectionPrunedOnDelivery(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessA := f.connect(t, f.userA)

	// B's first device can never accept a write.
	dead := &Session{
		send:   make(chan []byte),
		userID: f.userB,
		logger: testLogger(),
	}
	require.NoError(t, f.gateway.HandleConnect(ctx, dead))
	recvFrame(t, sessA) // B's goes_online

	live := f.connect(t, f.userB)

	f.gateway.Dispatch(ctx, sessA, []byte(`{"type":"typing_start","id":"`+f.chat.String()+`"}`))

	// The healthy device receives; the rejecting one is closed on the
	// delivery path.
	frame := recvFrame(t, live)
	assert.Equal(t, domain.KindTypingStart, frame.Type)
	require.Eventually(t, func() bool {
		return dead.currentState() >= stateClosing
	}, time.Second, 10*time.Millisecond)

	// Its cleanup runs through the normal disconnect path, so B stays
	// online and no offline broadcast fires.
	f.gateway.HandleDisconnect(ctx, dead)
	expectNoFrame(t, sessA)
	assert.Equal(t, 1, f.gateway.Registry().Connections(f.userB))
}

// =============================================================================
// Typing Tests
// =============================================================================

func TestGateway_TypingReachesOnlinePeerNotSender(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	raw := []byte(`{"type":"typing_start","id":"` + f.chat.String() + `"}`)
	f.gateway.Dispatch(ctx, sessA, raw)

	frame := recvFrame(t, sessB)
	assert.Equal(t, domain.KindTypingStart, frame.Type)
	assert.Equal(t, f.chat.String(), frame.ChatID)

	// Typing is never echoed to the sender.
	expectNoFrame(t, sessA)
}

func TestGateway_TypingSkipsOfflinePeer(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessA := f.connect(t, f.userA)

	raw := []byte(`{"type":"typing_stop","id":"` + f.chat.String() + `"}`)
	f.gateway.Dispatch(ctx, sessA, raw)

	expectNoFrame(t, sessA)
}

func TestGateway_TypingWithoutChatIDErrorsToSenderOnly(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	f.gateway.Dispatch(ctx, sessA, []byte(`{"type":"typing_start","id":null}`))

	frame := recvFrame(t, sessA)
	assert.Equal(t, domain.KindError, frame.Type)
	assert.NotEmpty(t, frame.Detail)

	expectNoFrame(t, sessB)
}

// =============================================================================
// Message Tests
// =============================================================================

func TestGateway_SentMessageDeliversToBothAndEnqueues(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	inbound := map[string]any{
		"type":        "sent_message",
		"id":          f.chat.String(),
		"participant": map[string]any{"id": f.userB.String()},
		"last_message": map[string]any{
			"id":      "client-chosen-id",
			"message": "hi",
		},
	}
	raw, _ := json.Marshal(inbound)
	f.gateway.Dispatch(ctx, sessA, raw)

	frameB := recvFrame(t, sessB)
	frameA := recvFrame(t, sessA) // multi-device echo to the sender

	for _, frame := range []*domain.Frame{frameA, frameB} {
		require.Equal(t, domain.KindSentMessage, frame.Type)
		require.NotNil(t, frame.LastMessage)
		assert.Equal(t, "hi", frame.LastMessage.Message)
		assert.Equal(t, f.userA.String(), frame.LastMessage.SenderID)
		assert.NotEqual(t, "client-chosen-id", frame.LastMessage.ID, "message id must be server-generated")
		_, err := uuid.Parse(frame.LastMessage.ID)
		assert.NoError(t, err)
		assert.NotZero(t, frame.LastMessage.CreatedAt)
	}
	assert.Equal(t, frameA.LastMessage.ID, frameB.LastMessage.ID)

	// Persistence job arrives out-of-band with matching fields.
	var jobs []domain.ChatMessage
	require.Eventually(t, func() bool {
		jobs = f.queue.Jobs()
		return len(jobs) == 1
	}, time.Second, 10*time.Millisecond)

	job := jobs[0]
	assert.Equal(t, frameA.LastMessage.ID, job.ID.String())
	assert.Equal(t, f.userA, job.SenderID)
	assert.Equal(t, f.chat, job.ChatID)
	assert.Equal(t, "hi", job.Message)

	// The denormalized summary is visible to both members.
	for _, uid := range []string{f.userA.String(), f.userB.String()} {
		summary, ok := f.cache.Summary(uid, f.chat.String())
		require.True(t, ok, "summary missing for %s", uid)
		assert.Equal(t, "hi", summary.LastMessage.Message)
		assert.Equal(t, job.ID.String(), summary.LastMessage.ID)
	}
}

func TestGateway_SentMessageWithoutParticipantIsDropped(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	raw := []byte(`{"type":"sent_message","id":"` + f.chat.String() + `","last_message":{"message":"hi"}}`)
	f.gateway.Dispatch(ctx, sessA, raw)

	expectNoFrame(t, sessA)
	expectNoFrame(t, sessB)
	assert.Empty(t, f.queue.Jobs())
}

func TestGateway_SentMessageFromNonMemberIsRejected(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	outsider := uuid.New()
	sessX := f.connect(t, outsider)

	inbound := map[string]any{
		"type":         "sent_message",
		"id":           f.chat.String(),
		"participant":  map[string]any{"id": f.userB.String()},
		"last_message": map[string]any{"message": "sneaky"},
	}
	raw, _ := json.Marshal(inbound)
	f.gateway.Dispatch(ctx, sessX, raw)

	frame := recvFrame(t, sessX)
	assert.Equal(t, domain.KindError, frame.Type)
	assert.Empty(t, f.queue.Jobs())
}

// =============================================================================
// Created Chat / Protocol Error Tests
// =============================================================================

func TestGateway_CreatedChatRelaysToParticipant(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	newChat := uuid.New()
	raw := []byte(`{"type":"created_chat","id":"` + newChat.String() + `","participant":{"id":"` + f.userB.String() + `"}}`)
	f.gateway.Dispatch(ctx, sessA, raw)

	frame := recvFrame(t, sessB)
	assert.Equal(t, domain.KindCreatedChat, frame.Type)
	assert.Equal(t, newChat.String(), frame.ChatID)

	expectNoFrame(t, sessA)
}

func TestGateway_MalformedAndUnknownFramesAreNonFatal(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	sessB := f.connect(t, f.userB)
	sessA := f.connect(t, f.userA)
	recvFrame(t, sessB) // A's goes_online

	f.gateway.Dispatch(ctx, sessA, []byte(`{"type":`))
	f.gateway.Dispatch(ctx, sessA, []byte(`{"type":"moonwalk"}`))
	// Presence kinds are server-originated; clients cannot inject them.
	f.gateway.Dispatch(ctx, sessA, []byte(`{"type":"goes_online","id":"`+f.chat.String()+`"}`))

	expectNoFrame(t, sessA)
	expectNoFrame(t, sessB)

	// The connection is still fully functional afterwards.
	f.gateway.Dispatch(ctx, sessA, []byte(`{"type":"typing_start","id":"`+f.chat.String()+`"}`))
	frame := recvFrame(t, sessB)
	assert.Equal(t, domain.KindTypingStart, frame.Type)
}
