package handler

import (
	"log/slog"
	"net/http"

	"notes-sharing-server/internal/auth"
	"notes-sharing-server/internal/middleware"
	"notes-sharing-server/internal/policy"
	"notes-sharing-server/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager  *websocket.Manager
	verifier auth.Verifier
	policy   *policy.Policy
	upgrader ws.Upgrader
	logger   *slog.Logger
}

type WebSocketOptions struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

func NewWebSocketHandler(manager *websocket.Manager, verifier auth.Verifier, pol *policy.Policy, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	origins := opts.AllowedOrigins
	return &WebSocketHandler{
		manager:  manager,
		verifier: verifier,
		policy:   pol,
		logger:   logger.With(slog.String("component", "ws_handler")),
		upgrader: ws.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origins, origin)
			},
		},
	}
}

// HandleConnection authenticates with ?token= or a bearer header before
// upgrading. Browsers cannot set headers on websocket requests.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r.Header.Get("Authorization"))
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Debug("websocket token rejected", slog.String("error", err.Error()))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	isAdmin := h.policy.IsAdmin(identity.SubjectID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	client := websocket.NewClient(uuid.New().String(), identity.SubjectID, isAdmin, conn, h.manager)
	if !h.manager.Connect(client) {
		h.logger.Warn("websocket manager stopped, connection dropped", slog.String("user_id", identity.SubjectID))
	}
}

type WebSocketMessageHandler struct {
	manager *websocket.Manager
}

func NewWebSocketMessageHandler(manager *websocket.Manager) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{manager: manager}
}

// HandleWebSocketMessage answers pings. Notifications only flow from the
// server, so any other message type is reported back as an error.
func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypePing:
		pong, err := websocket.NewMessage(websocket.TypePong, nil)
		if err != nil {
			return err
		}
		return h.manager.SendToClient(client, pong)

	default:
		reply, err := websocket.NewMessage(websocket.TypeError, &websocket.ErrorPayload{
			Error: "unsupported message type: " + string(msg.Type),
		})
		if err != nil {
			return err
		}
		return h.manager.SendToClient(client, reply)
	}
}
