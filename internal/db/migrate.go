package db

import (
	"fmt"

	"github.com/autotraficgen/proxypool/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables owned by the proxy pool.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Proxy{},
		&models.ProxyLease{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
