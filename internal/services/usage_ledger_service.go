package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/broker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidFeature     = errors.New("invalid usage feature")
)

type InsufficientTokensError struct {
	Required  int64
	Available int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: %d required, %d available", e.Required, e.Available)
}

func (e *InsufficientTokensError) Is(target error) bool {
	return target == ErrInsufficientTokens
}

// Reservation holds tokens taken from a balance ahead of a vendor call. It must end in
// exactly one of RecordTokenUsage or ReleaseReservation; later calls are ignored.
type Reservation struct {
	UserID   uuid.UUID
	Feature  models.UsageFeature
	Model    string
	Amount   int64
	Created  time.Time
	finished atomic.Bool
}

func (r *Reservation) finish() bool {
	return r != nil && r.finished.CompareAndSwap(false, true)
}

type UsageInput struct {
	Feature      models.UsageFeature
	Model        string
	InputTokens  int64
	OutputTokens int64
	Metadata     map[string]interface{}
	// Reservation made by ChargeForOperation, if any.
	Reservation *Reservation
}

type UsageSummary struct {
	TotalTokens int64                         `json:"totalTokens"`
	Operations  int                           `json:"operations"`
	ByFeature   map[models.UsageFeature]int64 `json:"byFeature"`
	ByModel     map[string]int64              `json:"byModel"`
	Records     []models.UsageRecord          `json:"records"`
}

// Publisher is the part of the broker the ledger needs to push balance changes.
type Publisher interface {
	Publish(topic string, msg interface{})
}

type UsageLedgerService struct {
	store     UsageStoreDB
	publisher Publisher
	now       func() time.Time
}

func NewUsageLedgerService(store UsageStoreDB, publisher Publisher) *UsageLedgerService {
	return &UsageLedgerService{
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// ChargeForOperation reserves estimatedCost tokens before a vendor call. The balance is
// never read and decremented in separate steps, so concurrent charges cannot overdraw it.
func (s *UsageLedgerService) ChargeForOperation(ctx context.Context, userID uuid.UUID, feature models.UsageFeature, modelID string, estimatedCost int64) (*Reservation, error) {
	if !feature.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}
	estimatedCost = max(estimatedCost, 0)

	if err := s.store.ReserveTokens(ctx, userID, estimatedCost); err != nil {
		if errors.Is(err, ErrInsufficientTokens) {
			log.Info().
				Str("user_id", userID.String()).
				Str("feature", string(feature)).
				Str("model", modelID).
				Int64("required", estimatedCost).
				Msg("Operation rejected for insufficient tokens")
		}
		return nil, err
	}

	return &Reservation{
		UserID:  userID,
		Feature: feature,
		Model:   modelID,
		Amount:  estimatedCost,
		Created: s.now(),
	}, nil
}

// ReleaseReservation returns reserved tokens after a failed or cancelled vendor call.
func (s *UsageLedgerService) ReleaseReservation(ctx context.Context, res *Reservation) {
	if !res.finish() || res.Amount == 0 {
		return
	}
	if err := s.store.ReleaseTokens(context.WithoutCancel(ctx), res.UserID, res.Amount); err != nil {
		log.Error().Err(err).
			Str("user_id", res.UserID.String()).
			Int64("amount", res.Amount).
			Msg("Failed to release token reservation")
		return
	}
	s.publishBalance(ctx, res.UserID)
}

// RecordTokenUsage settles the actual cost of an operation and appends a usage record.
// Bookkeeping failures are logged and swallowed so the caller still gets its result;
// the returned record id is empty in that case.
func (s *UsageLedgerService) RecordTokenUsage(ctx context.Context, userID uuid.UUID, input UsageInput) string {
	if input.Reservation != nil && !input.Reservation.finish() {
		log.Warn().Str("user_id", userID.String()).Msg("Reservation already settled, ignoring usage")
		return ""
	}

	model := input.Model
	if model == "" {
		model = DefaultModelID
	}
	var reserved int64
	if input.Reservation != nil {
		reserved = input.Reservation.Amount
	}

	metadata := map[string]interface{}{}
	for k, v := range input.Metadata {
		metadata[k] = v
	}
	metadata["reserved_tokens"] = reserved

	record := &models.UsageRecord{
		ID:           uuid.New(),
		UserID:       userID,
		TokensUsed:   CalculateCost(model, input.InputTokens, input.OutputTokens),
		Feature:      input.Feature,
		Model:        model,
		InputTokens:  max(input.InputTokens, 0),
		OutputTokens: max(input.OutputTokens, 0),
		Timestamp:    s.now().UnixMilli(),
		Metadata:     metadata,
	}

	// Settlement must land even when the request context was cancelled mid-flight.
	uncollected, err := s.store.SettleUsage(context.WithoutCancel(ctx), userID, reserved, record)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", userID.String()).
			Str("feature", string(input.Feature)).
			Str("model", model).
			Int64("tokens_used", record.TokensUsed).
			Msg("Failed to record token usage")
		return ""
	}
	if uncollected > 0 {
		log.Warn().
			Str("user_id", userID.String()).
			Int64("uncollected", uncollected).
			Msg("Actual cost exceeded balance, remainder not collected")
	}

	s.publishBalance(ctx, userID)
	return record.ID.String()
}

func (s *UsageLedgerService) GetBalance(ctx context.Context, userID uuid.UUID) (models.UserBalance, error) {
	return s.store.GetBalance(ctx, userID)
}

// CreditTokens adds purchased tokens and pushes the new balance to subscribers.
func (s *UsageLedgerService) CreditTokens(ctx context.Context, userID uuid.UUID, amount int64) (models.UserBalance, error) {
	balance, err := s.store.CreditTokens(ctx, userID, amount)
	if err != nil {
		return models.UserBalance{}, err
	}
	if s.publisher != nil {
		s.publisher.Publish(broker.CreditUpdateTopic(userID.String()), balance)
	}
	return balance, nil
}

// GetUsageSummary aggregates the ledger since the given time. A zero since covers all history.
func (s *UsageLedgerService) GetUsageSummary(ctx context.Context, userID uuid.UUID, since time.Time) (*UsageSummary, error) {
	var sinceMillis int64
	if !since.IsZero() {
		sinceMillis = since.UnixMilli()
	}
	records, err := s.store.ListUsage(ctx, userID, sinceMillis)
	if err != nil {
		return nil, err
	}

	tokensOf := func(r models.UsageRecord) int64 { return r.TokensUsed }
	summary := &UsageSummary{
		TotalTokens: lo.SumBy(records, tokensOf),
		Operations:  len(records),
		ByFeature:   map[models.UsageFeature]int64{},
		ByModel:     map[string]int64{},
		Records:     records,
	}
	for feature, group := range lo.GroupBy(records, func(r models.UsageRecord) models.UsageFeature { return r.Feature }) {
		summary.ByFeature[feature] = lo.SumBy(group, tokensOf)
	}
	for model, group := range lo.GroupBy(records, func(r models.UsageRecord) string { return r.Model }) {
		summary.ByModel[model] = lo.SumBy(group, tokensOf)
	}
	return summary, nil
}

func (s *UsageLedgerService) publishBalance(ctx context.Context, userID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	balance, err := s.store.GetBalance(context.WithoutCancel(ctx), userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("Could not load balance for credit update")
		return
	}
	s.publisher.Publish(broker.CreditUpdateTopic(userID.String()), balance)
}
