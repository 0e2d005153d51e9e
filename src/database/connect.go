package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hedgebot/src/database/migrations"
	"hedgebot/src/model"
)

// MainDB is the primary read/write database connection used by the engine.
var MainDB *gorm.DB

// InitMainDB opens the configured backend (sqlite or postgres), tunes the
// connection pool, and runs schema + data migrations. Called once at startup;
// a failure here maps to exit code 3.
func InitMainDB() error {
	config := GetConfig()

	dialector, err := openDialector(config.Backend, config.DSN)
	if err != nil {
		return err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB from GORM: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	// Assign to the global variable only after a successful connection.
	MainDB = db

	logrus.WithField("backend", config.Backend).Info("[database] MainDB connection established")

	if err := MainDB.AutoMigrate(
		&model.Account{},
		&model.MarketPair{},
		&model.Order{},
		&model.OrderEvent{},
		&model.Fill{},
		&model.FillWatermark{},
		&model.Trade{},
		&model.DoubleLimit{},
		&model.Incident{},
		&model.SimulatedRun{},
		&migrations.DataMigration{},
	); err != nil {
		return fmt.Errorf("failed to run migrations on MainDB: %w", err)
	}

	if err := migrations.Run(MainDB); err != nil {
		return fmt.Errorf("failed to run data migrations on MainDB: %w", err)
	}

	logrus.Info("[database] MainDB migrations completed")

	return nil
}

func openDialector(backend, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(backend) {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database backend %q", backend)
	}
}
