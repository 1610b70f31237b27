package api

import (
	"net/http"
	"time"

	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/services"

	"github.com/gin-gonic/gin"
)

const defaultUsageWindow = 30 * 24 * time.Hour

func listModelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": services.SupportedModels()})
}

func getBalanceHandler(ledger LedgerAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		balance, err := ledger.GetBalance(c.Request.Context(), user.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, balance)
	}
}

// getUsageHandler accepts ?since= as RFC 3339 and defaults to the last 30 days.
func getUsageHandler(ledger LedgerAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		since := time.Now().Add(-defaultUsageWindow)
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				apperrors.HandleError(c, apperrors.New400Error("since must be an RFC 3339 timestamp"))
				return
			}
			since = parsed
		}
		summary, err := ledger.GetUsageSummary(c.Request.Context(), user.ID, since)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func listPurchasesHandler(users UserAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		purchases, err := users.ListPurchases(c.Request.Context(), user.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"purchases": purchases})
	}
}
