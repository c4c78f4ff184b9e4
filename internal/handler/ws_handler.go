package handler

import (
	"net/http"

	"lmsforum-sync/internal/config"
	"lmsforum-sync/internal/middleware"
	"lmsforum-sync/internal/websocket"
	"lmsforum-sync/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler upgrades operator connections onto the notification hub.
type WebSocketHandler struct {
	hub       *websocket.Hub
	jwtSecret string
	upgrader  ws.Upgrader
	log       *logrus.Entry
}

func NewWebSocketHandler(hub *websocket.Hub, jwtSecret string, cfg config.WebSocketConfig, log *logrus.Entry) *WebSocketHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WebSocketHandler{
		hub:       hub,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.WithField("component", "websocket_handler"),
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}
	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil || claims.TokenType != jwt.TokenTypeAccess {
		h.log.WithError(err).Debug("rejected websocket token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	select {
	case <-h.hub.Done():
		http.Error(w, "notification hub stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.UserID, conn, h.hub)
	select {
	case h.hub.Register <- client:
	case <-h.hub.Done():
		conn.Close()
		return
	}

	h.log.WithFields(logrus.Fields{
		"client_id": client.ID,
		"operator":  client.Operator,
	}).Info("operator connected")

	go client.WritePump()
	go client.ReadPump()
}
