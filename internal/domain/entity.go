package domain

import (
	"time"
)

// InstrumentInfo is catalog metadata for a tradable instrument
type InstrumentInfo struct {
	SymbolID     string    `gorm:"primaryKey" json:"symbolId"`
	Title        string    `json:"title"`
	ExchangeName string    `json:"exchangeName" gorm:"index"`
	IconPath     string    `json:"iconPath"`
	IsActive     bool      `json:"isActive" gorm:"index"`
	LastSyncedAt time.Time `json:"lastSyncedAt"` // Last icon sync time
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
