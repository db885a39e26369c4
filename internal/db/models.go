package db

// CacheEntry is one durable cache slot. Namespace separates caches that share
// a database file (one per remote base URL, for example).
type CacheEntry struct {
	Namespace string `gorm:"column:namespace;primaryKey"`
	CacheKey  string `gorm:"column:cache_key;primaryKey"`
	Value     []byte `gorm:"column:value"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (CacheEntry) TableName() string { return "cache_entries" }

// AppliedMigration records data migrations that have already run.
type AppliedMigration struct {
	Name      string `gorm:"column:name;primaryKey"`
	AppliedAt int64  `gorm:"column:applied_at;not null;default:0"`
}

func (AppliedMigration) TableName() string { return "applied_migrations" }
