package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"tradesight_go_backend/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB     *gorm.DB
	dbOnce sync.Once
)

// ErrBackendNotReady marks failures the store expects to clear up on its own, such as
// serialization conflicts or a database that is still starting.
var ErrBackendNotReady = errors.New("data store not ready")

var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P03": true, // cannot_connect_now
}

// InitDB opens the connection and migrates the schema. Later calls are no-ops.
func InitDB() *gorm.DB {
	dbOnce.Do(func() {
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			os.Getenv("DB_HOST"),
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_NAME"),
			os.Getenv("DB_PORT"),
		)

		var err error
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}

		// Auto Migrate the schema
		err = DB.AutoMigrate(
			&models.User{},
			&models.UsageRecord{},
			&models.ChatSession{},
			&models.ChatMessage{},
			&models.AnalysisHistory{},
			&models.PurchaseHistory{},
		)
		if err != nil {
			log.Fatal("Failed to auto migrate:", err)
		}
	})
	return DB
}

// ClassifyError wraps transient Postgres failures with ErrBackendNotReady and returns
// everything else unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryableCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s (%s)", ErrBackendNotReady, pgErr.Message, pgErr.Code)
	}
	return err
}
