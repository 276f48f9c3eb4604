package gorm

import (
	"fmt"

	"windash/internal/core/device"
	"windash/internal/core/metrics"
	"windash/internal/core/pairing"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

// New creates a new GORM database instance and runs migrations.
func New(dsn string, lg zerolog.Logger) (*gorm.DB, error) {
	// Configure GORM's logger to use Zerolog
	gormLogger := gormlog.New(
		&lg,
		gormlog.Config{
			SlowThreshold: 0, // log all queries
			LogLevel:      gormlog.Warn,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		// Duplicate-key violations surface as gorm.ErrDuplicatedKey so
		// pairing-code collisions and token reuse are detectable.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}

	if err := db.AutoMigrate(
		&device.User{},
		&device.Device{},
		&pairing.Code{},
		&metrics.Sample{},
	); err != nil {
		return nil, fmt.Errorf("gorm migrate: %w", err)
	}
	lg.Info().Msg("database migration successful")

	return db, nil
}
