package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/podlabs/pod-gateway/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins in development (tighten in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler authenticates and upgrades WebSocket requests, then runs the
// session until disconnect.
type Handler struct {
	gateway      *Gateway
	tokens       *auth.TokenService
	framesPerMin int
	logger       *slog.Logger
}

// NewHandler creates the WebSocket endpoint handler
func NewHandler(gateway *Gateway, tokens *auth.TokenService, framesPerMin int, logger *slog.Logger) *Handler {
	return &Handler{
		gateway:      gateway,
		tokens:       tokens,
		framesPerMin: framesPerMin,
		logger:       logger,
	}
}

// ServeHTTP gates the handshake on a verified user identity, upgrades, and
// blocks until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, `{"error":"missing access token"}`, http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := NewSession(h.gateway, conn, claims.UserID, h.framesPerMin, h.logger)

	// A dedicated context: the request context dies when ServeHTTP returns
	// after the upgrade, the session must not.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.setCancel(cancel)

	if err := h.gateway.HandleConnect(ctx, sess); err != nil {
		h.logger.Error("connect failed", "user_id", claims.UserID, "error", err)
		_ = conn.Close()
		return
	}

	go sess.WritePump(ctx)
	sess.ReadPump(ctx) // blocks until the client disconnects
}
