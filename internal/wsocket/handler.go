package wsocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/services"
	"tradesight_go_backend/internal/utils/broker"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	TypeChat         = "chat"
	TypeSession      = "session"
	TypeCreditUpdate = "credit_update"
	TypePing         = "ping"
	TypePong         = "pong"

	writeWait = 10 * time.Second
)

type Message struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type ChatSubscriber interface {
	SubscribeToMessages(ctx context.Context, userID, sessionID uuid.UUID) (<-chan interface{}, func(), error)
	SubscribeToSession(ctx context.Context, userID, sessionID uuid.UUID) (<-chan interface{}, func(), error)
}

type Subscriber interface {
	Subscribe(topic string) (<-chan interface{}, func())
}

// Handler streams chat events of one session and the user's balance updates over a
// websocket. The session is optional; credit updates are always sent.
type Handler struct {
	chat         ChatSubscriber
	events       Subscriber
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewHandler(chat ChatSubscriber, events Subscriber, upgrader websocket.Upgrader, pingInterval time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Handler{
		chat:         chat,
		events:       events,
		upgrader:     upgrader,
		pingInterval: pingInterval,
	}
}

type subscription struct {
	ch          <-chan interface{}
	unsubscribe func()
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request, user *models.User) {
	logger := log.With().Str("user_id", user.ID.String()).Logger()

	var (
		sessionID          string
		messages, sessions subscription
	)
	if raw := r.URL.Query().Get("sessionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid sessionId", http.StatusBadRequest)
			return
		}
		sessionID = id.String()

		messages.ch, messages.unsubscribe, err = h.chat.SubscribeToMessages(r.Context(), user.ID, id)
		if err != nil {
			writeSubscribeError(w, err)
			return
		}
		defer messages.unsubscribe()

		sessions.ch, sessions.unsubscribe, err = h.chat.SubscribeToSession(r.Context(), user.ID, id)
		if err != nil {
			writeSubscribeError(w, err)
			return
		}
		defer sessions.unsubscribe()
	}

	credits, unsubscribeCredits := h.events.Subscribe(broker.CreditUpdateTopic(user.ID.String()))
	defer unsubscribeCredits()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	logger.Debug().Str("session_id", sessionID).Msg("WebSocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongs := make(chan struct{}, 1)
	go h.readLoop(ctx, cancel, conn, pongs)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		var out Message
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case <-pongs:
			out = Message{Type: TypePong, SessionID: sessionID}
		case msg, ok := <-messages.ch:
			if !ok {
				return
			}
			out = Message{Type: TypeChat, SessionID: sessionID, Payload: msg}
		case msg, ok := <-sessions.ch:
			if !ok {
				return
			}
			out = Message{Type: TypeSession, SessionID: sessionID, Payload: msg}
		case msg, ok := <-credits:
			if !ok {
				return
			}
			out = Message{Type: TypeCreditUpdate, Payload: msg}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(out); err != nil {
			logger.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

// readLoop answers client pings and cancels ctx when the peer goes away.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, pongs chan<- struct{}) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == TypePing {
			select {
			case pongs <- struct{}{}:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func writeSubscribeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSessionForbidden):
		http.Error(w, "access forbidden", http.StatusForbidden)
	default:
		log.Error().Err(err).Msg("Subscribing to chat session failed")
		http.Error(w, "an unexpected error occurred", http.StatusInternalServerError)
	}
}
