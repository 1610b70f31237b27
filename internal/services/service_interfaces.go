package services

import (
	"context"

	"tradesight_go_backend/internal/models"

	"github.com/google/uuid"
)

// ChartStore keeps uploaded chart images. GCSService is the production implementation.
type ChartStore interface {
	UploadChart(ctx context.Context, userID string, content []byte, contentType string) (string, error)
	DownloadChart(ctx context.Context, path string) ([]byte, error)
	DeleteChart(ctx context.Context, path string) error
	ListCharts(ctx context.Context, userID string) ([]string, error)
}

// TokenLedger is the billing surface used by the services that call a vendor.
type TokenLedger interface {
	ChargeForOperation(ctx context.Context, userID uuid.UUID, feature models.UsageFeature, modelID string, estimatedCost int64) (*Reservation, error)
	ReleaseReservation(ctx context.Context, res *Reservation)
	RecordTokenUsage(ctx context.Context, userID uuid.UUID, input UsageInput) string
}
