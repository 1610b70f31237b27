package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradesight_go_backend/cmd/api/config"
	"tradesight_go_backend/internal/api"
	"tradesight_go_backend/internal/auth"
	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/services"
	"tradesight_go_backend/internal/utils/broker"
	"tradesight_go_backend/internal/wsocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := database.InitDB()
	events := broker.NewBroker()

	// Stores
	usageStore := services.NewUsageStoreDB(db)
	userStore := services.NewUserStoreDB(db)
	chatServiceDB := services.NewChatServiceDB(db)
	analysisHistory := services.NewAnalysisHistoryDB(db)

	// Vendor clients
	openRouter := services.NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
	var gemini services.LLMClient
	if cfg.GoogleAIStudioKey != "" {
		geminiClient, err := services.NewGeminiClient(ctx, cfg.GoogleAIStudioKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create GenAI client")
		}
		defer geminiClient.Close()
		gemini = geminiClient
	}
	llm := services.NewModelRouter(openRouter, gemini)

	gcsService, err := services.NewGCSService(ctx, cfg.GCSBucketName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create GCS service")
	}
	defer gcsService.Close()

	// Internal services
	ledger := services.NewUsageLedgerService(usageStore, events)
	userService := services.NewUserService(userStore, events, cfg.InitialTokens)
	analysisService := services.NewAnalysisService(ledger, llm, gcsService, analysisHistory, cfg.AnalysisTimeout)
	eaService := services.NewEAGeneratorService(ledger, llm, cfg.EATimeout)
	chatSessionService := services.NewChatSessionService(chatServiceDB, events, ledger, llm, services.ChatSessionConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		MessageGap:    cfg.MessageGap,
	})
	go chatSessionService.RunStaleSessionCleanup(ctx, cfg.SessionCheckInterval)

	stripeService := services.NewStripeService(services.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		AppURL:        cfg.AppURL,
		PriceTokens:   cfg.StripePriceTokens,
	}, userService, nil)

	verifier := auth.NewFirebaseVerifier(cfg.FirebaseProjectID, "")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), api.RequestLogger())

	// CORS middleware configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	allowedOrigins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = true
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedOrigins[origin]
		},
	}
	wsHandler := wsocket.NewHandler(chatSessionService, events, upgrader, cfg.SessionCheckInterval)

	api.SetupRoutes(r, api.Dependencies{
		Verifier:  verifier,
		Users:     userService,
		Analysis:  analysisService,
		EA:        eaService,
		Ledger:    ledger,
		Chat:      chatSessionService,
		Checkout:  stripeService,
		Charts:    gcsService,
		WebSocket: wsHandler,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
