package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradedesk/internal/domain"
)

// Storage persists the instrument catalog and desk preferences.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at dbPath. An empty
// path resolves to the per-user data directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		var err error
		if dbPath, err = getDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; asset sync writes from several goroutines
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.InstrumentInfo{}, &domain.AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "TradeDesk", "data", "tradedesk.db"), nil
}

// ======================================================================================
// Instrument Operations
// ======================================================================================

// UpsertInstrument creates or updates instrument metadata
func (s *Storage) UpsertInstrument(inst *domain.InstrumentInfo) error {
	if inst.SymbolID == "" {
		return domain.ErrInvalidSymbol
	}
	return s.db.Save(inst).Error
}

// GetInstrument retrieves instrument metadata by symbol id
func (s *Storage) GetInstrument(symbolID string) (*domain.InstrumentInfo, error) {
	var inst domain.InstrumentInfo
	err := s.db.First(&inst, "symbol_id = ?", symbolID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// AllInstruments retrieves every instrument ordered by symbol id
func (s *Storage) AllInstruments() ([]domain.InstrumentInfo, error) {
	var insts []domain.InstrumentInfo
	err := s.db.Order("symbol_id").Find(&insts).Error
	return insts, err
}

// ActiveInstruments retrieves instruments flagged active
func (s *Storage) ActiveInstruments() ([]domain.InstrumentInfo, error) {
	var insts []domain.InstrumentInfo
	err := s.db.Where("is_active = ?", true).Order("symbol_id").Find(&insts).Error
	return insts, err
}

// SetIconPath records a downloaded icon for an instrument.
func (s *Storage) SetIconPath(symbolID, path string) error {
	res := s.db.Model(&domain.InstrumentInfo{}).
		Where("symbol_id = ?", symbolID).
		Updates(map[string]any{"icon_path": path, "last_synced_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, symbolID)
	}
	return nil
}

// Lookup implements domain.InstrumentCatalog. Lookup failures are reported
// as a miss.
func (s *Storage) Lookup(symbolID string) (domain.InstrumentInfo, bool) {
	inst, err := s.GetInstrument(symbolID)
	if err != nil || inst == nil {
		return domain.InstrumentInfo{}, false
	}
	return *inst, true
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a user configuration
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// LoadConfigMap loads all user configurations as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}
