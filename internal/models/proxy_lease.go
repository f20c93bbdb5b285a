package models

import "time"

// ProxyLease reserves a proxy, and its exit IP, for one worker until ExpiresAt.
type ProxyLease struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`           // Lease token handed to the worker.
	ProxyID   uint64    `gorm:"not null;uniqueIndex"`                  // Leased proxy.
	RealIP    string    `gorm:"type:varchar(45);not null;uniqueIndex"` // Exit IP reserved with the proxy.
	Holder    string    `gorm:"type:varchar(255);not null"`            // Worker identity, free form.
	ExpiresAt time.Time `gorm:"not null;index"`                        // Reservation deadline.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`               // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`               // Last renewal timestamp.
}
