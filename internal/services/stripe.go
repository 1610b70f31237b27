package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tradesight_go_backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	ErrInvalidCheckout       = errors.New("invalid checkout request")
	ErrUnknownPrice          = errors.New("unknown price id")
	ErrCheckoutNotConfigured = errors.New("checkout is not configured")
	ErrInvalidWebhook        = errors.New("invalid webhook payload")
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	checkoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"
	metadataUserID             = "userId"
	metadataPriceID            = "price_id"
	metadataCustomerName       = "customer_name"
	metadataCustomerEmail      = "customer_email"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// AppURL is the frontend origin the checkout returns to.
	AppURL string
	// PriceTokens is the allow-list of purchasable prices and the tokens each credits.
	PriceTokens map[string]int64
}

type CheckoutRequest struct {
	UserID        uuid.UUID
	PriceID       string
	CustomerEmail string
	CustomerName  string
}

type CheckoutFulfiller interface {
	FulfillCheckout(ctx context.Context, purchase *models.PurchaseHistory) (bool, error)
}

type StripeService struct {
	client    *client.API
	cfg       StripeConfig
	fulfiller CheckoutFulfiller
}

// NewStripeService builds the Stripe client. backends is nil outside tests.
func NewStripeService(cfg StripeConfig, fulfiller CheckoutFulfiller, backends *stripe.Backends) *StripeService {
	return &StripeService{
		client:    client.New(cfg.SecretKey, backends),
		cfg:       cfg,
		fulfiller: fulfiller,
	}
}

// TokensForPrice reports how many tokens a price credits, and whether it may be sold.
func (s *StripeService) TokensForPrice(priceID string) (int64, bool) {
	tokens, ok := s.cfg.PriceTokens[priceID]
	return tokens, ok
}

// CreateCheckoutSession opens a one-off payment for an allow-listed price. The customer
// is looked up by email and created when missing.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*stripe.CheckoutSession, error) {
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	if req.UserID == uuid.Nil || req.PriceID == "" || req.CustomerEmail == "" {
		return nil, fmt.Errorf("%w: userId, priceId and email are required", ErrInvalidCheckout)
	}
	if _, ok := s.TokensForPrice(req.PriceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, req.PriceID)
	}
	if s.cfg.AppURL == "" {
		log.Error().Msg("URL is not set, cannot build checkout return URLs")
		return nil, ErrCheckoutNotConfigured
	}

	customer, err := s.findOrCreateCustomer(ctx, req)
	if err != nil {
		return nil, err
	}

	appURL := strings.TrimRight(s.cfg.AppURL, "/")
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customer.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(appURL + "/payment/success?session_id=" + checkoutSessionPlaceholder),
		CancelURL:         stripe.String(appURL + "/payment/cancel"),
		ClientReferenceID: stripe.String(req.UserID.String()),
		Metadata: map[string]string{
			metadataUserID:        req.UserID.String(),
			metadataPriceID:       req.PriceID,
			metadataCustomerName:  req.CustomerName,
			metadataCustomerEmail: req.CustomerEmail,
		},
	}
	params.Context = ctx

	checkout, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	log.Info().Str("user_id", req.UserID.String()).Str("price_id", req.PriceID).Str("stripe_session_id", checkout.ID).Msg("Checkout session created")
	return checkout, nil
}

func (s *StripeService) findOrCreateCustomer(ctx context.Context, req CheckoutRequest) (*stripe.Customer, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(req.CustomerEmail)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iter := s.client.Customers.List(listParams)
	if iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up customer: %w", err)
	}

	params := &stripe.CustomerParams{
		Email:    stripe.String(req.CustomerEmail),
		Metadata: map[string]string{metadataUserID: req.UserID.String()},
	}
	if req.CustomerName != "" {
		params.Name = stripe.String(req.CustomerName)
	}
	params.Context = ctx
	customer, err := s.client.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return customer, nil
}

// HandleWebhook verifies a Stripe event and fulfils paid checkouts. Events of other types
// are acknowledged and ignored.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	switch string(event.Type) {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded:
		var checkout stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
		}
		return s.fulfil(ctx, &checkout)
	default:
		log.Debug().Str("event_type", string(event.Type)).Msg("Ignoring Stripe event")
		return nil
	}
}

func (s *StripeService) fulfil(ctx context.Context, checkout *stripe.CheckoutSession) error {
	if checkout.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.Info().Str("stripe_session_id", checkout.ID).Str("payment_status", string(checkout.PaymentStatus)).Msg("Checkout not paid yet")
		return nil
	}

	userID, err := uuid.Parse(checkout.Metadata[metadataUserID])
	if err != nil {
		return fmt.Errorf("%w: checkout %s has no valid userId", ErrInvalidWebhook, checkout.ID)
	}
	priceID := checkout.Metadata[metadataPriceID]
	tokens, ok := s.TokensForPrice(priceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}

	_, err = s.fulfiller.FulfillCheckout(ctx, &models.PurchaseHistory{
		UserID:          userID,
		StripeSessionID: checkout.ID,
		PriceID:         priceID,
		TokensCredited:  tokens,
		AmountTotal:     checkout.AmountTotal,
		Currency:        string(checkout.Currency),
	})
	return err
}
