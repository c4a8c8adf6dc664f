package database

import (
	"blockfuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the campaign database. It returns nil when
// DATABASE_URL is unset; crash and seed records are then kept on disk only.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Debug("no database configured")
		return nil
	}
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	if err := db.AutoMigrate(&Crash{}, &Seed{}); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	logger.Debug("connected to database")
	return db
}
