package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 16384

	// Outbound frame buffer per session
	sendBufferSize = 256
)

// Session lifecycle. Transitions only move forward; closed is terminal.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateEstablished
	stateClosing
	stateClosed
)

// Session is one live socket bound to one user. Two loops run for its
// lifetime: the read pump (inbound frames -> dispatch) and the write pump
// (send buffer -> socket). The user's home-topic subscription feeds the
// send buffer through the registry, making the write pump the outbound
// relay; neither loop ever blocks the other.
type Session struct {
	gateway   *Gateway
	conn      *websocket.Conn
	send      chan []byte
	userID    uuid.UUID
	createdAt time.Time
	limiter   *rate.Limiter
	state     atomic.Int32
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

// NewSession creates a session for an accepted, authenticated socket.
// framesPerMin caps inbound frames; frames over the budget are dropped with
// an inline error ack.
func NewSession(gateway *Gateway, conn *websocket.Conn, userID uuid.UUID, framesPerMin int, logger *slog.Logger) *Session {
	return &Session{
		gateway:   gateway,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		userID:    userID,
		createdAt: time.Now(),
		limiter:   rate.NewLimiter(rate.Limit(float64(framesPerMin)/60.0), max(framesPerMin/10, 5)),
		logger:    logger.With("component", "session", "user_id", userID),
	}
}

// UserID returns the user this session belongs to
func (s *Session) UserID() uuid.UUID {
	return s.userID
}

// CreatedAt returns when the session was accepted
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.cancel = cancel
}

func (s *Session) setState(st sessionState) {
	s.state.Store(int32(st))
}

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// Enqueue offers a frame to the write pump without blocking. It reports
// false when the session is shutting down or the buffer is full - the
// caller decides whether that makes the session dead.
func (s *Session) Enqueue(frame []byte) bool {
	if s.currentState() >= stateClosing {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

// SendError delivers an inline error ack to this session only.
func (s *Session) SendError(detail string) {
	frame, err := errorFrame(detail)
	if err != nil {
		return
	}
	s.Enqueue(frame)
}

// Close moves the session to CLOSING: the context is cancelled so both
// pumps exit, and the disconnect path releases everything else. Safe to
// call from any goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// ReadPump pumps frames from the socket into the gateway dispatch. It runs
// in the connection's goroutine and returns when the socket closes, errors,
// or the context is cancelled; the deferred disconnect tears down the
// sibling write pump and all held resources on every exit path.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.gateway.HandleDisconnect(context.WithoutCancel(ctx), s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, raw, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.logger.Warn("websocket read error", "error", err)
				}
				return
			}

			if !s.limiter.Allow() {
				s.logger.Warn("inbound frame rate exceeded, dropping")
				s.SendError("slow down: too many events")
				continue
			}

			// Sequential by design: inbound frames for one connection are
			// handled in arrival order. The outbound relay interleaves freely.
			s.dispatch(ctx, raw)
		}
	}
}

// dispatch hands one frame to the gateway under the connection's top-level
// guard: a panicking handler is logged and the loop keeps going.
func (s *Session) dispatch(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic recovered", "panic", r)
		}
	}()
	s.gateway.Dispatch(ctx, s, raw)
}

// WritePump pumps frames from the send buffer to the socket and keeps the
// connection alive with periodic pings.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
