package db

import (
	"sync"

	"github.com/verdex-cloud/verdex/internal/models"
	"github.com/verdex-cloud/verdex/pkg/env"
	"github.com/verdex-cloud/verdex/pkg/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	conn *gorm.DB
	once sync.Once
)

// Connection returns the process-wide database handle,
// opening it on first use based on the environment.
func Connection() *gorm.DB {
	once.Do(func() {
		var err error

		switch env.Variables().DatabaseType {
		case "sqlite":
			conn, err = gorm.Open(
				sqlite.Open(env.Variables().DatabaseDSN),
				&gorm.Config{},
			)
		case "postgres":
			fallthrough
		default:
			conn, err = gorm.Open(
				postgres.Open(env.Variables().DatabaseDSN),
				&gorm.Config{},
			)
		}

		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
	})

	return conn
}

// Migrate creates or updates the orchestration tables.
func Migrate() error {
	return Connection().AutoMigrate(
		&models.ValidationRun{},
		&models.CallbackReceipt{},
		&models.IdempotencyKey{},
	)
}
