package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the configuration database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configuration database. Postgres URLs use the pgx
// driver; anything else is treated as a SQLite path, which keeps tests and
// single-binary deployments dependency-free.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle (used by tests).
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or upgrades the schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Provider{}, &APIKey{}, &ModelMapping{}, &RequestAudit{})
}

// DB exposes the underlying handle for composition-root wiring.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// MappingRow is a mapping joined with its (enabled) provider.
type MappingRow struct {
	Mapping  ModelMapping
	Provider Provider
}

// MappingsForAlias returns the fallback-ordered mappings for an alias,
// restricted to enabled providers: default first, then order_index ascending.
func (s *Store) MappingsForAlias(ctx context.Context, alias string) ([]MappingRow, error) {
	var mappings []ModelMapping
	err := s.db.WithContext(ctx).
		Where("alias = ?", alias).
		Order("is_default DESC").
		Order("order_index ASC").
		Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("query mappings for %q: %w", alias, err)
	}
	if len(mappings) == 0 {
		return nil, nil
	}

	providerIDs := make([]uint64, 0, len(mappings))
	for _, m := range mappings {
		providerIDs = append(providerIDs, m.ProviderID)
	}

	var provs []Provider
	err = s.db.WithContext(ctx).
		Where("id IN ? AND status = ?", providerIDs, ProviderEnabled).
		Find(&provs).Error
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}

	byID := make(map[uint64]Provider, len(provs))
	for _, p := range provs {
		byID[p.ID] = p
	}

	rows := make([]MappingRow, 0, len(mappings))
	for _, m := range mappings {
		p, ok := byID[m.ProviderID]
		if !ok {
			continue // provider disabled or gone
		}
		rows = append(rows, MappingRow{Mapping: m, Provider: p})
	}
	return rows, nil
}

// Aliases returns the distinct client-visible aliases with at least one
// enabled provider, for /v1/models.
func (s *Store) Aliases(ctx context.Context) ([]string, error) {
	var aliases []string
	err := s.db.WithContext(ctx).
		Model(&ModelMapping{}).
		Distinct("alias").
		Joins("JOIN providers ON providers.id = model_mappings.provider_id AND providers.status = ?", ProviderEnabled).
		Order("alias").
		Pluck("alias", &aliases).Error
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	return aliases, nil
}

// ActiveKeys returns the candidate credentials for a provider. Filtering for
// local cooldowns and window budgets happens in the key selector.
func (s *Store) ActiveKeys(ctx context.Context, providerID uint64) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND status = ?", providerID, KeyActive).
		Order("priority ASC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("query keys for provider %d: %w", providerID, err)
	}
	return keys, nil
}

// RecordKeySuccess resets the failure streak and stamps last_used_at.
func (s *Store) RecordKeySuccess(ctx context.Context, keyID uint64) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Updates(map[string]any{
			"consecutive_failures": 0,
			"last_used_at":         now,
		}).Error
}

// RecordKeyFailure bumps the failure streak and stamps last_failed_at.
func (s *Store) RecordKeyFailure(ctx context.Context, keyID uint64) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Updates(map[string]any{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_failed_at":       now,
		}).Error
}

// MarkKeyFailed demotes a key after repeated auth/quota failures. It stays
// failed until an operator resets it.
func (s *Store) MarkKeyFailed(ctx context.Context, keyID uint64) error {
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Update("status", KeyFailed).Error
}

// InsertAudit persists one request audit row.
func (s *Store) InsertAudit(ctx context.Context, audit *RequestAudit) error {
	return s.db.WithContext(ctx).Create(audit).Error
}
