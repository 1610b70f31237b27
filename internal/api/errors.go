package api

import (
	"context"
	"errors"
	"net"

	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/services"
	"tradesight_go_backend/internal/utils/analysisparser"

	"github.com/gin-gonic/gin"
)

var badRequestErrors = []error{
	services.ErrEmptyMessage,
	services.ErrInvalidSender,
	services.ErrSessionInactive,
	services.ErrNoCharts,
	services.ErrTooManyCharts,
	services.ErrUnsupportedModel,
	services.ErrInvalidChart,
	services.ErrEmptyStrategy,
	services.ErrStrategyTooLong,
	services.ErrInvalidCheckout,
	services.ErrUnknownPrice,
	services.ErrInvalidWebhook,
	services.ErrInvalidFeature,
}

var notFoundErrors = []error{
	services.ErrSessionNotFound,
	services.ErrAnalysisNotFound,
	services.ErrChartNotFound,
	services.ErrUserNotFound,
}

// toHTTPError maps service errors onto the CustomError taxonomy.
func toHTTPError(err error) *apperrors.CustomError {
	var (
		customErr    *apperrors.CustomError
		insufficient *services.InsufficientTokensError
		vendorErr    *services.VendorError
		netErr       net.Error
	)
	switch {
	case errors.As(err, &customErr):
		return customErr
	case errors.As(err, &insufficient):
		return apperrors.New402Error(insufficient.Required, insufficient.Available)
	case errors.Is(err, services.ErrRateLimited):
		return apperrors.New429Error("Please wait a moment before sending another message")
	case errors.Is(err, analysisparser.ErrTemplateMismatch):
		return apperrors.New422Error("The model response did not follow the analysis format. You were not charged; please try again.")
	case errors.Is(err, services.ErrNoExpertAdvisor):
		return apperrors.New422Error("The model did not return MQL5 code. You were not charged; try rephrasing the strategy.")
	case errors.Is(err, services.ErrSessionForbidden):
		return apperrors.New403Error()
	case errors.Is(err, services.ErrCheckoutNotConfigured):
		return apperrors.New500Error(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.New504Error(services.FormatVendorError(err), err)
	case errors.As(err, &vendorErr), errors.Is(err, services.ErrEmptyCompletion),
		errors.Is(err, context.Canceled), errors.As(err, &netErr):
		return apperrors.New502Error(services.FormatVendorError(err), err)
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return apperrors.New404Error(err.Error())
		}
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return apperrors.New400Error(err.Error())
		}
	}
	return apperrors.New500Error(err)
}

func respondError(c *gin.Context, err error) {
	apperrors.HandleError(c, toHTTPError(err))
}
