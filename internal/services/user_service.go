package services

import (
	"context"
	"errors"

	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/broker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserStoreDB interface {
	GetOrCreateUser(ctx context.Context, firebaseUID, email, name string, initialTokens int64) (*models.User, error)
	GetUserByFirebaseUID(ctx context.Context, firebaseUID string) (*models.User, error)
	SetStripeCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error
	// RecordPurchase stores purchase and credits its tokens in one transaction. A
	// purchase whose Stripe session was already recorded is a no-op and returns false.
	RecordPurchase(ctx context.Context, purchase *models.PurchaseHistory) (models.UserBalance, bool, error)
	ListPurchases(ctx context.Context, userID uuid.UUID) ([]models.PurchaseHistory, error)
}

type DefaultUserStore struct {
	db *gorm.DB
}

func NewUserStoreDB(db *gorm.DB) UserStoreDB {
	return &DefaultUserStore{db: db}
}

func (s *DefaultUserStore) GetOrCreateUser(ctx context.Context, firebaseUID, email, name string, initialTokens int64) (*models.User, error) {
	user := models.User{}
	result := s.db.WithContext(ctx).
		Where(models.User{FirebaseUID: firebaseUID}).
		Attrs(models.User{ID: uuid.New(), Email: email, Name: name, Tokens: initialTokens}).
		FirstOrCreate(&user)
	if result.Error != nil {
		return nil, database.ClassifyError(result.Error)
	}
	return &user, nil
}

func (s *DefaultUserStore) GetUserByFirebaseUID(ctx context.Context, firebaseUID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("firebase_uid = ?", firebaseUID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, database.ClassifyError(err)
	}
	return &user, nil
}

func (s *DefaultUserStore) SetStripeCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("stripe_customer_id", customerID).Error
	return database.ClassifyError(err)
}

func (s *DefaultUserStore) RecordPurchase(ctx context.Context, purchase *models.PurchaseHistory) (models.UserBalance, bool, error) {
	var (
		balance  models.UserBalance
		credited bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_session_id"}},
			DoNothing: true,
		}).Create(purchase)
		if result.Error != nil {
			return result.Error
		}

		var user models.User
		if result.RowsAffected == 1 {
			credited = true
			if err := tx.Model(&models.User{}).
				Where("id = ?", purchase.UserID).
				Update("tokens", gorm.Expr("tokens + ?", purchase.TokensCredited)).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("id = ?", purchase.UserID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		balance = user.Balance()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return models.UserBalance{}, false, err
		}
		return models.UserBalance{}, false, database.ClassifyError(err)
	}
	return balance, credited, nil
}

func (s *DefaultUserStore) ListPurchases(ctx context.Context, userID uuid.UUID) ([]models.PurchaseHistory, error) {
	var purchases []models.PurchaseHistory
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&purchases).Error
	if err != nil {
		return nil, database.ClassifyError(err)
	}
	return purchases, nil
}

type UserService struct {
	store         UserStoreDB
	publisher     Publisher
	initialTokens int64
}

func NewUserService(store UserStoreDB, publisher Publisher, initialTokens int64) *UserService {
	return &UserService{store: store, publisher: publisher, initialTokens: initialTokens}
}

// GetOrCreateUser returns the account of a Firebase user, creating it with the signup
// grant on first sight.
func (s *UserService) GetOrCreateUser(ctx context.Context, firebaseUID, email, name string) (*models.User, error) {
	return s.store.GetOrCreateUser(ctx, firebaseUID, email, name, s.initialTokens)
}

func (s *UserService) GetUserByFirebaseUID(ctx context.Context, firebaseUID string) (*models.User, error) {
	return s.store.GetUserByFirebaseUID(ctx, firebaseUID)
}

func (s *UserService) SetStripeCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	return s.store.SetStripeCustomerID(ctx, userID, customerID)
}

func (s *UserService) ListPurchases(ctx context.Context, userID uuid.UUID) ([]models.PurchaseHistory, error) {
	return s.store.ListPurchases(ctx, userID)
}

// FulfillCheckout credits a completed checkout once. Repeated webhook deliveries of the
// same session return false.
func (s *UserService) FulfillCheckout(ctx context.Context, purchase *models.PurchaseHistory) (bool, error) {
	if purchase.ID == uuid.Nil {
		purchase.ID = uuid.New()
	}
	balance, credited, err := s.store.RecordPurchase(ctx, purchase)
	if err != nil {
		return false, err
	}
	logger := log.With().
		Str("user_id", purchase.UserID.String()).
		Str("stripe_session_id", purchase.StripeSessionID).
		Logger()
	if !credited {
		logger.Info().Msg("Checkout session already fulfilled")
		return false, nil
	}
	logger.Info().Int64("tokens", purchase.TokensCredited).Int64("balance", balance.Tokens).Msg("Checkout fulfilled")
	if s.publisher != nil {
		s.publisher.Publish(broker.CreditUpdateTopic(purchase.UserID.String()), balance)
	}
	return true, nil
}
