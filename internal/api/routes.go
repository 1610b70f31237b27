package api

import (
	"context"
	"net/http"
	"time"

	"tradesight_go_backend/internal/auth"
	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

type UserAPI interface {
	auth.UserResolver
	ListPurchases(ctx context.Context, userID uuid.UUID) ([]models.PurchaseHistory, error)
}

type AnalysisAPI interface {
	AnalyzeCharts(ctx context.Context, userID uuid.UUID, req services.AnalysisRequest) (*services.AnalysisResult, error)
	ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.AnalysisHistory, error)
	GetHistory(ctx context.Context, userID, id uuid.UUID) (*models.AnalysisHistory, error)
}

type EAGenerator interface {
	Generate(ctx context.Context, userID uuid.UUID, req services.EARequest) (*services.EAResult, error)
}

type LedgerAPI interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (models.UserBalance, error)
	GetUsageSummary(ctx context.Context, userID uuid.UUID, since time.Time) (*services.UsageSummary, error)
}

type ChatAPI interface {
	GetOrCreateChatSession(ctx context.Context, userID uuid.UUID) (*models.ChatSession, error)
	SendMessage(ctx context.Context, userID, sessionID uuid.UUID, text string, sender models.MessageSender) (*models.ChatMessage, error)
	GetMessages(ctx context.Context, userID, sessionID uuid.UUID) ([]models.ChatMessage, error)
	MarkMessagesAsRead(ctx context.Context, userID, sessionID uuid.UUID) (int, error)
	CloseChatSession(ctx context.Context, userID, sessionID uuid.UUID) error
	CloseAllSessions(ctx context.Context, userID uuid.UUID) (int, error)
	ReplyWithAssistant(ctx context.Context, userID, sessionID uuid.UUID, modelID string) (*models.ChatMessage, error)
}

type CheckoutAPI interface {
	CreateCheckoutSession(ctx context.Context, req services.CheckoutRequest) (*stripe.CheckoutSession, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

// WebSocketHandler is implemented by wsocket.Handler.
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, user *models.User)
}

type Dependencies struct {
	Verifier  auth.TokenVerifier
	Users     UserAPI
	Analysis  AnalysisAPI
	EA        EAGenerator
	Ledger    LedgerAPI
	Chat      ChatAPI
	Checkout  CheckoutAPI
	Charts    services.ChartStore
	WebSocket WebSocketHandler
}

func SetupRoutes(r *gin.Engine, deps Dependencies) {
	authRequired := auth.AuthMiddleware(deps.Verifier, deps.Users, false)

	api := r.Group("/api")
	{
		api.GET("/models", listModelsHandler)
		api.POST("/stripe/webhook", stripeWebhookHandler(deps.Checkout))
		api.Any("/create-checkout-session", requireMethod("POST"), authRequired, createCheckoutSessionHandler(deps.Checkout))

		private := api.Group("", authRequired)
		private.GET("/me", getMeHandler)
		private.GET("/tokens", getBalanceHandler(deps.Ledger))
		private.GET("/usage", getUsageHandler(deps.Ledger))
		private.GET("/purchases", listPurchasesHandler(deps.Users))

		private.POST("/analysis", analyzeChartsHandler(deps.Analysis))
		private.GET("/history", listHistoryHandler(deps.Analysis))
		private.GET("/history/:id", getHistoryHandler(deps.Analysis))
		private.GET("/history/:id/report", historyReportHandler(deps.Analysis))
		private.GET("/charts", listChartsHandler(deps.Charts))
		private.GET("/charts/:name", getChartHandler(deps.Charts))
		private.DELETE("/charts/:name", deleteChartHandler(deps.Charts))

		private.POST("/ea/generate", generateEAHandler(deps.EA))

		chat := private.Group("/chat")
		chat.POST("/session", getOrCreateSessionHandler(deps.Chat))
		chat.POST("/sessions/close-all", closeAllSessionsHandler(deps.Chat))
		chat.GET("/sessions/:id/messages", getMessagesHandler(deps.Chat))
		chat.POST("/sessions/:id/messages", sendMessageHandler(deps.Chat))
		chat.POST("/sessions/:id/assistant", assistantReplyHandler(deps.Chat))
		chat.POST("/sessions/:id/read", markReadHandler(deps.Chat))
		chat.POST("/sessions/:id/close", closeSessionHandler(deps.Chat))
	}

	if deps.WebSocket != nil {
		r.GET("/ws", auth.AuthMiddleware(deps.Verifier, deps.Users, true), webSocketHandler(deps.WebSocket))
	}
}

func getMeHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, user)
}

func webSocketHandler(ws WebSocketHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		ws.HandleWebSocket(c.Writer, c.Request, user)
	}
}

// currentUser writes a 401 and returns false when the middleware did not run.
func currentUser(c *gin.Context) (*models.User, bool) {
	user, ok := auth.CurrentUser(c)
	if !ok {
		apperrors.HandleError(c, apperrors.New401Error())
		return nil, false
	}
	return user, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		apperrors.HandleError(c, apperrors.New400Error("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
