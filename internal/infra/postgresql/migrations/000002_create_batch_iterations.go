package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/sampling-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchIterationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_iterations",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.IterationModel{}); err != nil {
				return err
			}
			return tx.Exec(`ALTER TABLE batch_iterations
				ADD CONSTRAINT fk_batch_iterations_batch
				FOREIGN KEY (batch_id) REFERENCES batches (id) ON DELETE CASCADE`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.IterationModel{})
		},
	}
}
