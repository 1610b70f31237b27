package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/broker"
	"tradesight_go_backend/internal/utils/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionForbidden = errors.New("session belongs to another user")
	ErrSessionInactive  = errors.New("session is not active")
	ErrRateLimited      = errors.New("messages sent too quickly")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrInvalidSender    = errors.New("invalid message sender")
)

const (
	DefaultSessionMaxAge = 24 * time.Hour
	DefaultMessageGap    = 500 * time.Millisecond

	assistantSystemPrompt = "You are a trading assistant inside a chart analysis app. Answer questions about " +
		"technical analysis, risk management and the user's charts concisely. You do not give personalised " +
		"financial advice. Format answers in markdown with short paragraphs."
	assistantHistoryLimit = 20
)

type ChatEventType string

const (
	ChatEventMessage   ChatEventType = "message"
	ChatEventRead      ChatEventType = "read"
	ChatEventDelivered ChatEventType = "delivered"
	ChatEventSession   ChatEventType = "session"
)

// ChatEvent is pushed to subscribers of a session's message or session topic.
type ChatEvent struct {
	Type       ChatEventType       `json:"type"`
	Message    *models.ChatMessage `json:"message,omitempty"`
	Session    *models.ChatSession `json:"session,omitempty"`
	MessageIDs []uuid.UUID         `json:"messageIds,omitempty"`
	ReaderID   string              `json:"readerId,omitempty"`
}

type EventBroker interface {
	Publish(topic string, msg interface{})
	Subscribe(topic string) (<-chan interface{}, func())
}

type ChatSessionConfig struct {
	SessionMaxAge time.Duration
	MessageGap    time.Duration
}

type ChatSessionService struct {
	chatService ChatServiceDB
	events      EventBroker
	ledger      TokenLedger
	llm         LLMClient
	cfg         ChatSessionConfig

	// backendRetry guards session lookup against a store that is not ready yet.
	backendRetry retry.Policy
	now          func() time.Time

	sessionLocks sync.Map
}

func NewChatSessionService(
	chatService ChatServiceDB,
	events EventBroker,
	ledger TokenLedger,
	llm LLMClient,
	cfg ChatSessionConfig,
) *ChatSessionService {
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = DefaultSessionMaxAge
	}
	if cfg.MessageGap <= 0 {
		cfg.MessageGap = DefaultMessageGap
	}
	return &ChatSessionService{
		chatService: chatService,
		events:      events,
		ledger:      ledger,
		llm:         llm,
		cfg:         cfg,
		backendRetry: retry.Policy{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   4 * time.Second,
			Retryable: func(err error) bool {
				return errors.Is(err, database.ErrBackendNotReady)
			},
		},
		now: time.Now,
	}
}

// GetOrCreateChatSession reuses the user's newest active session younger than the max
// age, or opens a new one.
func (css *ChatSessionService) GetOrCreateChatSession(ctx context.Context, userID uuid.UUID) (*models.ChatSession, error) {
	return retry.Do(ctx, css.backendRetry, "chat.get_or_create_session", func(ctx context.Context) (*models.ChatSession, error) {
		return css.getOrCreateChatSession(ctx, userID)
	})
}

func (css *ChatSessionService) getOrCreateChatSession(ctx context.Context, userID uuid.UUID) (*models.ChatSession, error) {
	sessions, err := css.chatService.FindActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := css.now()
	var newest *models.ChatSession
	for i := range sessions {
		s := &sessions[i]
		if now.Sub(s.StartedAt) >= css.cfg.SessionMaxAge {
			continue
		}
		if newest == nil || s.StartedAt.After(newest.StartedAt) {
			newest = s
		}
	}
	if newest != nil {
		return newest, nil
	}

	session := &models.ChatSession{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    models.ChatSessionActive,
		StartedAt: now,
	}
	if err := css.chatService.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Str("session_id", session.ID.String()).Msg("Chat session created")
	css.publishSession(session)
	return session, nil
}

// SendMessage appends a message from the session owner. Messages closer together than
// the configured gap are rejected with ErrRateLimited. Agent replies do not count
// toward the gap.
func (css *ChatSessionService) SendMessage(ctx context.Context, userID, sessionID uuid.UUID, text string, sender models.MessageSender) (*models.ChatMessage, error) {
	if sender != models.SenderUser && sender != models.SenderSystem {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}
	return css.appendMessage(ctx, userID, sessionID, text, sender, true)
}

func (css *ChatSessionService) appendMessage(ctx context.Context, userID, sessionID uuid.UUID, text string, sender models.MessageSender, rateLimited bool) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	unlock := css.lockSession(sessionID)
	defer unlock()

	session, err := css.activeSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	now := css.now()
	if rateLimited && session.LastUserMessageAt != nil && now.Sub(*session.LastUserMessageAt) < css.cfg.MessageGap {
		return nil, ErrRateLimited
	}

	msg := &models.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		UserID:    userID,
		Text:      text,
		Sender:    sender,
		Timestamp: now,
		Status:    models.MessageSent,
		ReadBy:    map[string]interface{}{senderKey(userID, sender): now.UnixMilli()},
	}
	if err := css.chatService.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	css.events.Publish(broker.ChatMessagesTopic(sessionID.String()), ChatEvent{Type: ChatEventMessage, Message: msg})
	return msg, nil
}

// GetMessages returns the session history. Messages the caller did not author move from
// sent to delivered.
func (css *ChatSessionService) GetMessages(ctx context.Context, userID, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	if _, err := css.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	messages, err := css.chatService.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var delivered []uuid.UUID
	for i := range messages {
		msg := &messages[i]
		if msg.Sender == models.SenderUser || msg.Status != models.MessageSent {
			continue
		}
		msg.Status = models.MessageDelivered
		if err := css.chatService.UpdateMessageState(ctx, msg); err != nil {
			return nil, err
		}
		delivered = append(delivered, msg.ID)
	}
	if len(delivered) > 0 {
		css.events.Publish(broker.ChatMessagesTopic(sessionID.String()), ChatEvent{Type: ChatEventDelivered, MessageIDs: delivered})
	}
	return messages, nil
}

// MarkMessagesAsRead stamps every message the caller did not author with a read receipt.
func (css *ChatSessionService) MarkMessagesAsRead(ctx context.Context, userID, sessionID uuid.UUID) (int, error) {
	if _, err := css.ownedSession(ctx, userID, sessionID); err != nil {
		return 0, err
	}
	messages, err := css.chatService.ListMessages(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	reader := userID.String()
	now := css.now().UnixMilli()
	var marked []uuid.UUID
	for i := range messages {
		msg := &messages[i]
		if msg.Sender == models.SenderUser || msg.ReadByUser(reader) {
			continue
		}
		if msg.ReadBy == nil {
			msg.ReadBy = map[string]interface{}{}
		}
		msg.ReadBy[reader] = now
		msg.Status = models.MessageRead
		if err := css.chatService.UpdateMessageState(ctx, msg); err != nil {
			return len(marked), err
		}
		marked = append(marked, msg.ID)
	}

	if len(marked) > 0 {
		css.events.Publish(broker.ChatMessagesTopic(sessionID.String()), ChatEvent{Type: ChatEventRead, MessageIDs: marked, ReaderID: reader})
	}
	return len(marked), nil
}

// CloseChatSession closes the session. Closing an already closed session succeeds.
func (css *ChatSessionService) CloseChatSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	session, err := css.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if session.Status == models.ChatSessionClosed {
		return nil
	}

	endedAt := css.now()
	changed, err := css.chatService.CloseSession(ctx, sessionID, endedAt)
	if err != nil {
		return err
	}
	if changed {
		session.Status = models.ChatSessionClosed
		session.EndedAt = &endedAt
		log.Info().Str("user_id", userID.String()).Str("session_id", sessionID.String()).Msg("Chat session closed")
		css.publishSession(session)
	}
	css.sessionLocks.Delete(sessionID)
	return nil
}

// CloseAllSessions closes every open session of the user, as on logout.
func (css *ChatSessionService) CloseAllSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	sessions, err := css.chatService.FindActiveSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, s := range sessions {
		if err := css.CloseChatSession(ctx, userID, s.ID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// CloseStaleSessions closes every open session older than the max age.
func (css *ChatSessionService) CloseStaleSessions(ctx context.Context) (int, error) {
	stale, err := css.chatService.FindStaleSessions(ctx, css.now().Add(-css.cfg.SessionMaxAge))
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, s := range stale {
		if err := css.CloseChatSession(ctx, s.UserID, s.ID); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("Failed to close stale chat session")
			continue
		}
		closed++
	}
	return closed, nil
}

// RunStaleSessionCleanup calls CloseStaleSessions every interval until ctx is done.
func (css *ChatSessionService) RunStaleSessionCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := css.CloseStaleSessions(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Stale chat session cleanup failed")
				continue
			}
			if closed > 0 {
				log.Info().Int("closed", closed).Msg("Closed stale chat sessions")
			}
		}
	}
}

// ReplyWithAssistant asks the model to answer the conversation so far and appends the
// answer as an agent message. The reply is billed as chat usage.
func (css *ChatSessionService) ReplyWithAssistant(ctx context.Context, userID, sessionID uuid.UUID, modelID string) (*models.ChatMessage, error) {
	if css.llm == nil || css.ledger == nil {
		return nil, errors.New("assistant replies are not configured")
	}
	if modelID == "" {
		modelID = DefaultModelID
	}
	if _, err := css.activeSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	history, err := css.chatService.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns := assistantTurns(history)
	if len(turns) == 0 {
		return nil, ErrEmptyMessage
	}

	reservation, err := css.ledger.ChargeForOperation(ctx, userID, models.FeatureChat, modelID, CalculateTokenCost(modelID, false))
	if err != nil {
		return nil, err
	}

	result, err := css.llm.Complete(ctx, CompletionRequest{
		Model:       modelID,
		System:      assistantSystemPrompt,
		Turns:       turns,
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		css.ledger.ReleaseReservation(ctx, reservation)
		return nil, err
	}

	css.ledger.RecordTokenUsage(ctx, userID, UsageInput{
		Feature:      models.FeatureChat,
		Model:        modelID,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Metadata:     map[string]interface{}{"session_id": sessionID.String()},
		Reservation:  reservation,
	})

	return css.appendMessage(ctx, userID, sessionID, result.Text, models.SenderAgent, false)
}

// SubscribeToMessages streams ChatEvents of a session. The returned func must be called
// to release the subscription.
func (css *ChatSessionService) SubscribeToMessages(ctx context.Context, userID, sessionID uuid.UUID) (<-chan interface{}, func(), error) {
	if _, err := css.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := css.events.Subscribe(broker.ChatMessagesTopic(sessionID.String()))
	return ch, unsubscribe, nil
}

// SubscribeToSession streams status changes of a session.
func (css *ChatSessionService) SubscribeToSession(ctx context.Context, userID, sessionID uuid.UUID) (<-chan interface{}, func(), error) {
	if _, err := css.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := css.events.Subscribe(broker.ChatSessionTopic(sessionID.String()))
	return ch, unsubscribe, nil
}

func (css *ChatSessionService) ownedSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.ChatSession, error) {
	session, err := css.chatService.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrSessionForbidden
	}
	return session, nil
}

func (css *ChatSessionService) activeSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.ChatSession, error) {
	session, err := css.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.ChatSessionActive {
		return nil, ErrSessionInactive
	}
	return session, nil
}

func (css *ChatSessionService) lockSession(sessionID uuid.UUID) func() {
	value, _ := css.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (css *ChatSessionService) publishSession(session *models.ChatSession) {
	snapshot := *session
	css.events.Publish(broker.ChatSessionTopic(session.ID.String()), ChatEvent{Type: ChatEventSession, Session: &snapshot})
}

// senderKey is the ReadBy key of the author. Agent and system messages are not read by
// the user until a receipt arrives.
func senderKey(userID uuid.UUID, sender models.MessageSender) string {
	if sender == models.SenderUser {
		return userID.String()
	}
	return string(sender)
}

func assistantTurns(history []models.ChatMessage) []ChatTurn {
	if len(history) > assistantHistoryLimit {
		history = history[len(history)-assistantHistoryLimit:]
	}
	turns := make([]ChatTurn, 0, len(history))
	for _, msg := range history {
		switch msg.Sender {
		case models.SenderUser:
			turns = append(turns, ChatTurn{Role: RoleUser, Text: msg.Text})
		case models.SenderAgent:
			turns = append(turns, ChatTurn{Role: RoleAssistant, Text: msg.Text})
		}
	}
	return turns
}
