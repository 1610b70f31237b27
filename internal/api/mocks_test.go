package api

import (
	"context"
	"net/http"
	"time"

	"tradesight_go_backend/internal/auth"
	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stripe/stripe-go/v79"
)

const testToken = "valid-token"

type fakeVerifier struct{}

func (fakeVerifier) VerifyIDToken(_ context.Context, token string) (*auth.Claims, error) {
	if token != testToken {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{UID: "firebase-uid", Email: "trader@example.com", Name: "Trader"}, nil
}

type MockUsers struct {
	mock.Mock
	user *models.User
}

func (m *MockUsers) GetOrCreateUser(_ context.Context, uid, email, name string) (*models.User, error) {
	return m.user, nil
}

func (m *MockUsers) ListPurchases(ctx context.Context, userID uuid.UUID) ([]models.PurchaseHistory, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.PurchaseHistory), args.Error(1)
}

type MockAnalysis struct {
	mock.Mock
}

func (m *MockAnalysis) AnalyzeCharts(ctx context.Context, userID uuid.UUID, req services.AnalysisRequest) (*services.AnalysisResult, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AnalysisResult), args.Error(1)
}

func (m *MockAnalysis) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.AnalysisHistory, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).([]models.AnalysisHistory), args.Error(1)
}

func (m *MockAnalysis) GetHistory(ctx context.Context, userID, id uuid.UUID) (*models.AnalysisHistory, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AnalysisHistory), args.Error(1)
}

type MockEA struct {
	mock.Mock
}

func (m *MockEA) Generate(ctx context.Context, userID uuid.UUID, req services.EARequest) (*services.EAResult, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.EAResult), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetBalance(ctx context.Context, userID uuid.UUID) (models.UserBalance, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(models.UserBalance), args.Error(1)
}

func (m *MockLedger) GetUsageSummary(ctx context.Context, userID uuid.UUID, since time.Time) (*services.UsageSummary, error) {
	args := m.Called(ctx, userID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.UsageSummary), args.Error(1)
}

type MockChat struct {
	mock.Mock
}

func (m *MockChat) GetOrCreateChatSession(ctx context.Context, userID uuid.UUID) (*models.ChatSession, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockChat) SendMessage(ctx context.Context, userID, sessionID uuid.UUID, text string, sender models.MessageSender) (*models.ChatMessage, error) {
	args := m.Called(ctx, userID, sessionID, text, sender)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatMessage), args.Error(1)
}

func (m *MockChat) GetMessages(ctx context.Context, userID, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	args := m.Called(ctx, userID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}

func (m *MockChat) MarkMessagesAsRead(ctx context.Context, userID, sessionID uuid.UUID) (int, error) {
	args := m.Called(ctx, userID, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *MockChat) CloseChatSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	return m.Called(ctx, userID, sessionID).Error(0)
}

func (m *MockChat) CloseAllSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockChat) ReplyWithAssistant(ctx context.Context, userID, sessionID uuid.UUID, modelID string) (*models.ChatMessage, error) {
	args := m.Called(ctx, userID, sessionID, modelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatMessage), args.Error(1)
}

type MockCheckout struct {
	mock.Mock
}

func (m *MockCheckout) CreateCheckoutSession(ctx context.Context, req services.CheckoutRequest) (*stripe.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.CheckoutSession), args.Error(1)
}

func (m *MockCheckout) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	return m.Called(ctx, payload, signatureHeader).Error(0)
}

type MockCharts struct {
	mock.Mock
}

func (m *MockCharts) UploadChart(ctx context.Context, userID string, content []byte, contentType string) (string, error) {
	args := m.Called(ctx, userID, content, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockCharts) DownloadChart(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCharts) DeleteChart(ctx context.Context, path string) error {
	return m.Called(ctx, path).Error(0)
}

func (m *MockCharts) ListCharts(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type testServer struct {
	router   *gin.Engine
	user     *models.User
	users    *MockUsers
	analysis *MockAnalysis
	ea       *MockEA
	ledger   *MockLedger
	chat     *MockChat
	checkout *MockCheckout
	charts   *MockCharts
}

func newTestServer() *testServer {
	gin.SetMode(gin.TestMode)
	user := &models.User{ID: uuid.New(), FirebaseUID: "firebase-uid", Email: "trader@example.com", Name: "Trader", Tokens: 50}
	s := &testServer{
		router:   gin.New(),
		user:     user,
		users:    &MockUsers{user: user},
		analysis: new(MockAnalysis),
		ea:       new(MockEA),
		ledger:   new(MockLedger),
		chat:     new(MockChat),
		checkout: new(MockCheckout),
		charts:   new(MockCharts),
	}
	SetupRoutes(s.router, Dependencies{
		Verifier: fakeVerifier{},
		Users:    s.users,
		Analysis: s.analysis,
		EA:       s.ea,
		Ledger:   s.ledger,
		Chat:     s.chat,
		Checkout: s.checkout,
		Charts:   s.charts,
	})
	return s
}

func authorize(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}
