package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// addBatchesRunningIndex speeds up finding batches left RUNNING after a crash.
func addBatchesRunningIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_batches_running_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batches_running ON batches (started_at) WHERE status = 'RUNNING'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_batches_running`).Error
		},
	}
}
