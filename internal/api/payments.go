package api

import (
	"io"
	"net/http"

	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = int64(65536)

func createCheckoutSessionHandler(checkout CheckoutAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			PriceID string `json:"priceId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error("priceId is required"))
			return
		}

		session, err := checkout.CreateCheckoutSession(c.Request.Context(), services.CheckoutRequest{
			UserID:        user.ID,
			PriceID:       request.PriceID,
			CustomerEmail: user.Email,
			CustomerName:  user.Name,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": session.ID})
	}
}

func stripeWebhookHandler(checkout CheckoutAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			log.Error().Err(err).Msg("Error reading webhook body")
			apperrors.HandleError(c, apperrors.New400Error("unreadable request body"))
			return
		}

		if err := checkout.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
			log.Error().Err(err).Msg("Error handling Stripe webhook")
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
