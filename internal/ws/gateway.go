package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/podlabs/pod-gateway/internal/cache"
	"github.com/podlabs/pod-gateway/internal/domain"
	"github.com/podlabs/pod-gateway/internal/pubsub"
	"github.com/podlabs/pod-gateway/internal/tasks"
)

// Directory is the slice of the room/participant directory the gateway
// needs: membership lookups, never mutation.
type Directory interface {
	// ChatsForUser returns every chat the user belongs to, paired with the
	// other participant (drives the presence broadcast).
	ChatsForUser(ctx context.Context, userID uuid.UUID) ([]domain.ChatPeer, error)

	// Members returns the member id set of a chat (drives typing fan-out).
	Members(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)

	// IsMember reports whether the user belongs to the chat.
	IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
}

// Gateway owns the event handler table and the presence choreography.
// Every dependency is injected; it holds no global state, and nothing it
// does may terminate the process - failures are contained to the single
// event or connection that hit them.
type Gateway struct {
	registry *Registry
	bus      pubsub.PubSub
	cache    cache.ChatCache
	dir      Directory
	queue    tasks.Enqueuer
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]pubsub.Subscription
}

// NewGateway wires the realtime core together
func NewGateway(registry *Registry, bus pubsub.PubSub, chatCache cache.ChatCache, dir Directory, queue tasks.Enqueuer, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		bus:      bus,
		cache:    chatCache,
		dir:      dir,
		queue:    queue,
		logger:   logger.With("component", "gateway"),
		subs:     make(map[uuid.UUID]pubsub.Subscription),
	}
}

// Registry exposes the process-local registry (the HTTP layer and tests
// need it; handlers inside this package use it directly).
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// HandleConnect moves a session from CONNECTING to ESTABLISHED: register,
// and - on the user's first connection - open the user's home-topic
// subscription, mark them online in every chat, and tell their peers.
func (g *Gateway) HandleConnect(ctx context.Context, s *Session) error {
	userID := s.UserID()

	first := g.registry.Register(userID, s)

	if first {
		if err := g.subscribeUser(ctx, userID); err != nil {
			g.registry.Unregister(userID, s)
			return fmt.Errorf("subscribe home topic for %s: %w", userID, err)
		}
		g.broadcastPresence(ctx, userID, domain.KindGoesOnline)
	}

	s.setState(stateEstablished)
	g.logger.Info("session established", "user_id", userID, "connections", g.registry.Connections(userID))
	return nil
}

// HandleDisconnect tears a session down: unregister, and - only if this was
// the user's last connection - release the home-topic subscription, mark
// them offline and tell their peers. Safe on every exit path, including
// errors; calling it twice is harmless.
func (g *Gateway) HandleDisconnect(ctx context.Context, s *Session) {
	userID := s.UserID()

	s.Close()

	last := g.registry.Unregister(userID, s)
	if last {
		g.unsubscribeUser(userID)
		g.broadcastPresence(ctx, userID, domain.KindGoesOffline)
	}

	s.setState(stateClosed)
	g.logger.Info("session closed", "user_id", userID, "was_last", last)
}

// subscribeUser opens the user's home-topic subscription. One subscription
// per user per process: published frames fan in through the registry to
// every live session, so a session that cannot accept the write is pruned
// on the delivery path.
func (g *Gateway) subscribeUser(ctx context.Context, userID uuid.UUID) error {
	sub, err := g.bus.Subscribe(ctx, pubsub.Topics.Home(userID.String()), func(ctx context.Context, msg *pubsub.Message) {
		g.registry.SendToUser(userID, msg.Payload)
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.subs[userID] = sub
	g.mu.Unlock()
	return nil
}

// unsubscribeUser releases the user's home-topic subscription, exactly once
func (g *Gateway) unsubscribeUser(userID uuid.UUID) {
	g.mu.Lock()
	sub := g.subs[userID]
	delete(g.subs, userID)
	g.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			g.logger.Warn("unsubscribe failed", "user_id", userID, "error", err)
		}
	}
}

// broadcastPresence looks up the user's chats, updates the shared online
// sets, and publishes a presence frame to each peer's home topic. An empty
// chat list is a no-op. Fan-out units run in parallel and join at a
// barrier; one failed publish never cancels the rest.
func (g *Gateway) broadcastPresence(ctx context.Context, userID uuid.UUID, kind domain.Kind) {
	peers, err := g.dir.ChatsForUser(ctx, userID)
	if err != nil {
		g.logger.Error("chats lookup failed, presence broadcast abandoned", "user_id", userID, "error", err)
		return
	}
	if len(peers) == 0 {
		return
	}

	chatIDs := make([]string, len(peers))
	for i, p := range peers {
		chatIDs[i] = p.ChatID.String()
	}

	uid := userID.String()
	var cacheErr error
	if kind == domain.KindGoesOnline {
		cacheErr = g.cache.AddToChats(ctx, uid, chatIDs)
	} else {
		cacheErr = g.cache.RemoveFromChats(ctx, uid, chatIDs)
	}
	if cacheErr != nil {
		// Peers still get notified; the online sets self-correct on the
		// next connect/disconnect.
		g.logger.Error("presence cache update failed", "user_id", userID, "error", cacheErr)
	}

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(chatID, participantID string) {
			defer wg.Done()
			frame, err := domain.NewPresenceFrame(kind, chatID).Encode()
			if err != nil {
				return
			}
			g.publish(ctx, participantID, string(kind), frame)
		}(peer.ChatID.String(), peer.ParticipantID.String())
	}
	wg.Wait()
}

// Dispatch routes one inbound frame to its handler. This is the single
// validation boundary: unknown kinds, server-only kinds, and missing
// required fields are all settled here, and none of them are fatal to the
// connection.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, raw []byte) {
	frame, err := domain.DecodeFrame(raw)
	if err != nil {
		g.logger.Warn("malformed frame dropped", "user_id", s.UserID(), "error", err)
		return
	}

	if !frame.Type.Known() {
		g.logger.Warn("unknown event type dropped", "user_id", s.UserID(), "event_type", frame.Type)
		return
	}
	if !frame.Type.ClientSent() {
		g.logger.Warn("server-only event from client dropped", "user_id", s.UserID(), "event_type", frame.Type)
		return
	}

	if err := frame.Validate(); err != nil {
		switch frame.Type {
		case domain.KindTypingStart, domain.KindTypingStop:
			// Only the originator hears about this.
			s.SendError("you must provide a chat id")
		default:
			g.logger.Error("invalid event dropped", "user_id", s.UserID(), "event_type", frame.Type, "error", err)
		}
		return
	}

	switch frame.Type {
	case domain.KindTypingStart, domain.KindTypingStop:
		g.handleTyping(ctx, s, frame)
	case domain.KindSentMessage:
		g.handleSentMessage(ctx, s, frame)
	case domain.KindCreatedChat:
		g.handleCreatedChat(ctx, s, frame)
	}
}

// handleTyping relays a typing frame to the chat's currently-online members,
// excluding the sender. Best-effort and unordered across recipients.
func (g *Gateway) handleTyping(ctx context.Context, s *Session, frame *domain.Frame) {
	chatID, err := uuid.Parse(frame.ChatID)
	if err != nil {
		s.SendError("you must provide a valid chat id")
		return
	}

	members, err := g.dir.Members(ctx, chatID)
	if err != nil {
		g.logger.Error("members lookup failed, typing dropped", "chat_id", chatID, "error", err)
		return
	}

	online, err := g.cache.OnlineParticipants(ctx, frame.ChatID, s.UserID().String())
	if err != nil {
		g.logger.Error("online lookup failed, typing dropped", "chat_id", chatID, "error", err)
		return
	}

	recipients := intersect(online, members)
	if len(recipients) == 0 {
		return
	}

	payload, err := frame.Encode()
	if err != nil {
		return
	}
	g.fanOut(ctx, string(frame.Type), payload, recipients)
}

// handleSentMessage is the message pipeline: validate, stamp a server-side
// id and time, enqueue persistence out-of-band, upsert the chat summary,
// then deliver to both sides - sender included, for multi-device echo.
func (g *Gateway) handleSentMessage(ctx context.Context, s *Session, frame *domain.Frame) {
	senderID := s.UserID()

	chatID, err := uuid.Parse(frame.ChatID)
	if err != nil {
		g.logger.Error("sent_message with invalid chat id dropped", "user_id", senderID, "chat_id", frame.ChatID)
		return
	}
	participantID, err := uuid.Parse(frame.ParticipantID())
	if err != nil {
		g.logger.Error("sent_message with invalid participant id dropped", "user_id", senderID)
		return
	}

	if ok, err := g.dir.IsMember(ctx, chatID, senderID); err != nil || !ok {
		if err != nil {
			g.logger.Error("membership check failed, message dropped", "chat_id", chatID, "error", err)
		}
		s.SendError("you are not a participant of this chat")
		return
	}

	// Never trust a client-supplied message id or timestamp.
	messageID := uuid.New()
	now := time.Now().UTC()
	text := frame.MessageText()

	job := domain.ChatMessage{
		ID:        messageID,
		ChatID:    chatID,
		SenderID:  senderID,
		Message:   text,
		CreatedAt: now,
	}
	go func() {
		// Detached from the connection: persistence survives a disconnect
		// and its failure never blocks delivery.
		if err := g.queue.EnqueueMessage(context.WithoutCancel(ctx), job); err != nil {
			g.logger.Error("persistence enqueue failed", "message_id", messageID, "error", err)
		}
	}()

	summary := domain.NewChatSummary(frame.ChatID, messageID.String(), senderID.String(), text, now)
	if err := g.cache.UpsertChatSummary(ctx, senderID.String(), participantID.String(), summary); err != nil {
		g.logger.Error("chat summary upsert failed", "chat_id", chatID, "error", err)
	}

	out := *frame
	out.LastActivityAt = now.Unix()
	out.LastMessage = &summary.LastMessage
	payload, err := out.Encode()
	if err != nil {
		g.logger.Error("encode outbound message failed", "message_id", messageID, "error", err)
		return
	}

	g.fanOut(ctx, string(frame.Type), payload, []string{senderID.String(), participantID.String()})
}

// handleCreatedChat relays the new-chat notification to the other
// participant; the REST path already did all state mutation.
func (g *Gateway) handleCreatedChat(ctx context.Context, s *Session, frame *domain.Frame) {
	payload, err := frame.Encode()
	if err != nil {
		return
	}
	g.fanOut(ctx, string(frame.Type), payload, []string{frame.ParticipantID()})
}

// fanOut publishes the payload to each user's home topic. Units run in
// parallel and join at a barrier; failures are logged and never cancel or
// block the other units.
func (g *Gateway) fanOut(ctx context.Context, eventType string, payload []byte, userIDs []string) {
	var wg sync.WaitGroup
	for _, uid := range userIDs {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			g.publish(ctx, uid, eventType, payload)
		}(uid)
	}
	wg.Wait()
}

func (g *Gateway) publish(ctx context.Context, userID, eventType string, payload []byte) {
	topic := pubsub.Topics.Home(userID)
	msg := &pubsub.Message{Topic: topic, Type: eventType, Payload: payload}
	if err := g.bus.Publish(ctx, topic, msg); err != nil {
		g.logger.Error("publish failed", "topic", topic, "event_type", eventType, "error", err)
	}
}

// errorFrame encodes an inline error ack
func errorFrame(detail string) ([]byte, error) {
	return domain.NewErrorFrame(detail).Encode()
}

// intersect filters the online user ids down to actual chat members.
func intersect(online []string, members []uuid.UUID) []string {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m.String()] = true
	}

	out := online[:0]
	for _, uid := range online {
		if set[uid] {
			out = append(out, uid)
		}
	}
	return out
}
