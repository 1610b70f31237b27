package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/broker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type chatFixture struct {
	store  *memoryChatStore
	usage  *memoryUsageStore
	broker *broker.Broker
	llm    *MockLLMClient
	clock  *fakeClock
	waits  []time.Duration
	svc    *ChatSessionService
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	f := &chatFixture{
		store:  newMemoryChatStore(),
		usage:  newMemoryUsageStore(),
		broker: broker.NewBroker(),
		llm:    new(MockLLMClient),
		clock:  &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	ledger := NewUsageLedgerService(f.usage, f.broker)
	ledger.now = f.clock.Now
	f.svc = NewChatSessionService(f.store, f.broker, ledger, f.llm, ChatSessionConfig{})
	f.svc.now = f.clock.Now
	f.svc.backendRetry.Sleep = func(_ context.Context, d time.Duration) error {
		f.waits = append(f.waits, d)
		return nil
	}
	return f
}

func TestGetOrCreateChatSessionReusesActiveSession(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatSessionActive, first.Status)

	f.clock.Advance(23 * time.Hour)
	second, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := f.svc.GetOrCreateChatSession(ctx, uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestGetOrCreateChatSessionExpiresAfterMaxAge(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	second, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetOrCreateChatSessionAfterClose(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CloseChatSession(ctx, userID, first.ID))

	second, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetOrCreateChatSessionRetriesWhenBackendNotReady(t *testing.T) {
	f := newChatFixture(t)
	notReady := database.ClassifyError(database.ErrBackendNotReady)
	f.store.findErrs = []error{notReady, notReady, notReady}

	session, err := f.svc.GetOrCreateChatSession(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.NotNil(t, session)
	assert.Equal(t, 4, f.store.finds)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.waits)
}

func TestGetOrCreateChatSessionGivesUpAfterThreeRetries(t *testing.T) {
	f := newChatFixture(t)
	f.store.findErrs = []error{
		database.ErrBackendNotReady, database.ErrBackendNotReady,
		database.ErrBackendNotReady, database.ErrBackendNotReady,
	}

	_, err := f.svc.GetOrCreateChatSession(context.Background(), uuid.New())

	assert.ErrorIs(t, err, database.ErrBackendNotReady)
	assert.Equal(t, 4, f.store.finds)
}

func TestGetOrCreateChatSessionDoesNotRetryOtherErrors(t *testing.T) {
	f := newChatFixture(t)
	boom := errors.New("permission denied")
	f.store.findErrs = []error{boom}

	_, err := f.svc.GetOrCreateChatSession(context.Background(), uuid.New())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.store.finds)
	assert.Empty(t, f.waits)
}

func TestSendMessageEnforcesMinimumGap(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)

	msg, err := f.svc.SendMessage(ctx, userID, session.ID, "Is EURUSD overbought?", models.SenderUser)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, msg.Status)
	assert.True(t, msg.ReadByUser(userID.String()))

	f.clock.Advance(200 * time.Millisecond)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "hello?", models.SenderUser)
	assert.ErrorIs(t, err, ErrRateLimited)

	f.clock.Advance(400 * time.Millisecond)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "hello?", models.SenderUser)
	assert.NoError(t, err)

	stored, _ := f.store.GetSession(ctx, session.ID)
	require.NotNil(t, stored.LastMessageAt)
	assert.Equal(t, f.clock.Now(), *stored.LastMessageAt)
}

func TestSendMessageGapIgnoresAgentReplies(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := f.usage.addUser(100)
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "Where is support on BTCUSD?", models.SenderUser)
	require.NoError(t, err)

	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(&CompletionResult{Text: "Around 65,000.", InputTokens: 500, OutputTokens: 100}, nil)
	f.clock.Advance(600 * time.Millisecond)
	_, err = f.svc.ReplyWithAssistant(ctx, userID, session.ID, "openai/gpt-4o")
	require.NoError(t, err)

	f.clock.Advance(100 * time.Millisecond)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "And resistance?", models.SenderUser)
	require.NoError(t, err)

	f.clock.Advance(100 * time.Millisecond)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "?", models.SenderUser)
	assert.ErrorIs(t, err, ErrRateLimited)

	stored, _ := f.store.GetSession(ctx, session.ID)
	require.NotNil(t, stored.LastUserMessageAt)
	assert.Equal(t, f.clock.Now().Add(-100*time.Millisecond), *stored.LastUserMessageAt)
}

func TestSendMessageValidation(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, userID, uuid.New(), "hi", models.SenderUser)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.SendMessage(ctx, uuid.New(), session.ID, "hi", models.SenderUser)
	assert.ErrorIs(t, err, ErrSessionForbidden)

	_, err = f.svc.SendMessage(ctx, userID, session.ID, "   ", models.SenderUser)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.SendMessage(ctx, userID, session.ID, "pretend", models.SenderAgent)
	assert.ErrorIs(t, err, ErrInvalidSender)

	require.NoError(t, f.svc.CloseChatSession(ctx, userID, session.ID))
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "hi", models.SenderUser)
	assert.ErrorIs(t, err, ErrSessionInactive)
}

func TestSendMessagePublishesEvent(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)

	events, unsubscribe, err := f.svc.SubscribeToMessages(ctx, userID, session.ID)
	require.NoError(t, err)
	defer unsubscribe()

	msg, err := f.svc.SendMessage(ctx, userID, session.ID, "hi", models.SenderUser)
	require.NoError(t, err)

	select {
	case raw := <-events:
		event := raw.(ChatEvent)
		assert.Equal(t, ChatEventMessage, event.Type)
		assert.Equal(t, msg.ID, event.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no message event")
	}

	_, _, err = f.svc.SubscribeToMessages(ctx, uuid.New(), session.ID)
	assert.ErrorIs(t, err, ErrSessionForbidden)
}

func TestMarkMessagesAsRead(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, userID, session.ID, "question", models.SenderUser)
	require.NoError(t, err)
	agentMsg, err := f.svc.appendMessage(ctx, userID, session.ID, "answer", models.SenderAgent, false)
	require.NoError(t, err)
	assert.False(t, agentMsg.ReadByUser(userID.String()))

	messages, err := f.svc.GetMessages(ctx, userID, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.MessageSent, messages[0].Status)
	assert.Equal(t, models.MessageDelivered, messages[1].Status)

	marked, err := f.svc.MarkMessagesAsRead(ctx, userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	messages, err = f.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, messages[1].Status)
	assert.True(t, messages[1].ReadByUser(userID.String()))
	assert.Equal(t, models.MessageSent, messages[0].Status)

	marked, err = f.svc.MarkMessagesAsRead(ctx, userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestCloseChatSessionIsIdempotent(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)

	updates, unsubscribe, err := f.svc.SubscribeToSession(ctx, userID, session.ID)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, f.svc.CloseChatSession(ctx, userID, session.ID))
	require.NoError(t, f.svc.CloseChatSession(ctx, userID, session.ID))

	stored, _ := f.store.GetSession(ctx, session.ID)
	assert.Equal(t, models.ChatSessionClosed, stored.Status)
	require.NotNil(t, stored.EndedAt)

	event := (<-updates).(ChatEvent)
	assert.Equal(t, models.ChatSessionClosed, event.Session.Status)
	assert.Len(t, updates, 0)
}

func TestCloseAllSessions(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	second, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	closed, err := f.svc.CloseAllSessions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	active, _ := f.store.FindActiveSessions(ctx, userID)
	assert.Empty(t, active)
}

func TestCloseStaleSessions(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	stale, err := f.svc.GetOrCreateChatSession(ctx, uuid.New())
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	fresh, err := f.svc.GetOrCreateChatSession(ctx, uuid.New())
	require.NoError(t, err)

	closed, err := f.svc.CloseStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := f.store.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatSessionClosed, got.Status)
	got, err = f.store.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatSessionActive, got.Status)
}

func TestReplyWithAssistantBillsChatUsage(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := f.usage.addUser(100)
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "What does RSI 70 mean?", models.SenderUser)
	require.NoError(t, err)

	f.llm.On("Complete", mock.Anything, mock.MatchedBy(func(req CompletionRequest) bool {
		return req.Model == "openai/gpt-4o" && len(req.Turns) == 1 && req.Turns[0].Text == "What does RSI 70 mean?"
	})).Return(&CompletionResult{Text: "RSI above 70 is usually read as overbought.", InputTokens: 1000, OutputTokens: 0}, nil)

	// the reply lands immediately after the user's message and is not rate limited
	reply, err := f.svc.ReplyWithAssistant(ctx, userID, session.ID, "openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, models.SenderAgent, reply.Sender)

	balance, err := f.usage.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(96), balance.Tokens)
	assert.Equal(t, models.FeatureChat, balance.LastTokenUsage.Feature)
	f.llm.AssertExpectations(t)
}

func TestReplyWithAssistantReleasesReservationOnFailure(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := f.usage.addUser(100)
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "hello", models.SenderUser)
	require.NoError(t, err)

	f.llm.On("Complete", mock.Anything, mock.Anything).Return(nil, &VendorError{Provider: "openrouter", StatusCode: 503})

	_, err = f.svc.ReplyWithAssistant(ctx, userID, session.ID, "openai/gpt-4o")
	require.Error(t, err)
	assert.Equal(t, int64(100), f.usage.tokens(userID))

	messages, _ := f.store.ListMessages(ctx, session.ID)
	assert.Len(t, messages, 1)
}

func TestReplyWithAssistantInsufficientTokens(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	userID := f.usage.addUser(0)
	session, err := f.svc.GetOrCreateChatSession(ctx, userID)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, userID, session.ID, "hello", models.SenderUser)
	require.NoError(t, err)

	_, err = f.svc.ReplyWithAssistant(ctx, userID, session.ID, "openai/gpt-4o")
	assert.ErrorIs(t, err, ErrInsufficientTokens)
	f.llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}
