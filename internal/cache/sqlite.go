package cache

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"tasksync/cli/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SQLite struct {
	db        *gorm.DB
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

func NewSQLite(gdb *gorm.DB, namespace string, logger *slog.Logger) *SQLite {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "default"
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &SQLite{
		db:        gdb,
		namespace: namespace,
		logger:    logger.With("module", "cache", "backend", "sqlite"),
		nowFunc:   time.Now,
	}
}

func (s *SQLite) Read(key string) ([]byte, bool) {
	var row db.CacheEntry
	err := s.db.Where("namespace = ? AND cache_key = ?", s.namespace, key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "err", err)
		return nil, false
	}
	if len(row.Value) == 0 {
		return nil, false
	}
	return row.Value, true
}

func (s *SQLite) Write(key string, value []byte) {
	row := db.CacheEntry{
		Namespace: s.namespace,
		CacheKey:  key,
		Value:     value,
		UpdatedAt: s.nowFunc().UnixMilli(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "namespace"}, {Name: "cache_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      row.Value,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
	if err != nil {
		s.logger.Warn("cache write failed", "key", key, "bytes", len(value), "err", err)
	}
}

func (s *SQLite) Delete(key string) {
	err := s.db.Where("namespace = ? AND cache_key = ?", s.namespace, key).Delete(&db.CacheEntry{}).Error
	if err != nil {
		s.logger.Warn("cache delete failed", "key", key, "err", err)
	}
}

func (s *SQLite) Close() error {
	return db.Close(s.db)
}
