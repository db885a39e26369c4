package migration

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type step struct {
	name string
	run  func(*Migration) error
}

var steps = []step{
	{name: "20240501_default_namespace", run: defaultNamespace},
	{name: "20240612_drop_empty_entries", run: dropEmptyEntries},
}

// Migration is passed to each migration step. DB is set by RunAll.
type Migration struct {
	DB   *gorm.DB
	logs []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

type applied struct {
	Name      string `gorm:"column:name;primaryKey"`
	AppliedAt int64  `gorm:"column:applied_at"`
}

func (applied) TableName() string { return "applied_migrations" }

// RunAll runs registered migrations that have not been recorded in
// applied_migrations yet, in order. Schema is synced via db.SyncSchema first.
func RunAll(db *gorm.DB) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	var done []applied
	if err := db.Find(&done).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(done))
	for _, d := range done {
		seen[d.Name] = true
	}

	var ran []string
	for _, s := range steps {
		if seen[s.name] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			ctx := &Migration{DB: tx}
			if err := s.run(ctx); err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&applied{Name: s.name, AppliedAt: time.Now().UnixMilli()}).Error
		})
		if err != nil {
			return ran, fmt.Errorf("migration %s failed: %w", s.name, err)
		}
		ran = append(ran, s.name)
	}
	return ran, nil
}

// Rows written before namespaces existed land in "default".
func defaultNamespace(m *Migration) error {
	res := m.DB.Exec(`UPDATE cache_entries SET namespace = 'default' WHERE namespace = ''`)
	m.Log("default_namespace rows=", res.RowsAffected)
	return res.Error
}

func dropEmptyEntries(m *Migration) error {
	res := m.DB.Exec(`DELETE FROM cache_entries WHERE value IS NULL OR length(value) = 0`)
	m.Log("drop_empty_entries rows=", res.RowsAffected)
	return res.Error
}
