package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/stats"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize    = 50
	maxPageSize        = 100
	iterationBatchSize = 100
)

type ListParams struct {
	Status   *domain.BatchStatus
	Provider *domain.Provider
	Page     int
	PageSize int
}

type BatchRepository interface {
	Create(ctx context.Context, b *domain.BatchResult) error
	Finalize(ctx context.Context, b *domain.BatchResult) error
	GetByID(ctx context.Context, id string) (*domain.BatchResult, error)
	List(ctx context.Context, params ListParams) ([]domain.BatchSummary, int64, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// Create stores the RUNNING shell of a batch. A batch id that already exists
// fails with domain.ErrConflict.
func (r *GormBatchRepo) Create(ctx context.Context, b *domain.BatchResult) error {
	if b == nil {
		return domain.ErrValidation
	}
	model := batchModelFromDomain(b)
	err := r.db.WithContext(ctx).Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrConflict
	}
	return err
}

// Finalize writes the terminal state and every iteration row in a single
// transaction. Only a RUNNING batch can be finalized.
func (r *GormBatchRepo) Finalize(ctx context.Context, b *domain.BatchResult) error {
	if b == nil {
		return domain.ErrValidation
	}
	if !b.Status.IsTerminal() {
		return domain.ErrValidation
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current BatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").
			First(&current, "id = ?", b.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current.Status != domain.BatchStatusRunning {
			return domain.ErrConflict
		}

		err = tx.Model(&BatchModel{}).
			Where("id = ?", b.ID).
			Updates(map[string]any{
				"model":                 b.Model,
				"status":                b.Status,
				"completed_at":          b.CompletedAt,
				"total_duration_ms":     b.TotalDurationMs,
				"total_iterations":      b.TotalIterations,
				"successful_iterations": b.SuccessfulIterations,
				"failed_iterations":     b.FailedIterations,
				"success_rate":          b.SuccessRate,
				"total_tokens":          b.TotalTokens,
			}).Error
		if err != nil {
			return err
		}

		if len(b.Iterations) == 0 {
			return nil
		}
		models := make([]IterationModel, 0, len(b.Iterations))
		for _, it := range b.Iterations {
			models = append(models, iterationModelFromDomain(b.ID, it))
		}
		return tx.CreateInBatches(&models, iterationBatchSize).Error
	})
}

// GetByID loads a batch with its iterations in index order. Statistics are
// recomputed from the loaded iterations.
func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.BatchResult, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var iterations []IterationModel
	err = r.db.WithContext(ctx).
		Where("batch_id = ?", id).
		Order("iteration_index ASC").
		Find(&iterations).Error
	if err != nil {
		return nil, err
	}

	batch := batchModelToDomain(&model)
	batch.Iterations = make([]domain.IterationResult, 0, len(iterations))
	for i := range iterations {
		batch.Iterations = append(batch.Iterations, iterationModelToDomain(&iterations[i]))
	}
	batch.BatchStatistics = stats.Aggregate(batch.Iterations)

	return batch, nil
}

func (r *GormBatchRepo) List(ctx context.Context, params ListParams) ([]domain.BatchSummary, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Provider != nil {
		query = query.Where("provider = ?", *params.Provider)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []BatchModel
	err := query.
		Order("started_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]domain.BatchSummary, 0, len(models))
	for i := range models {
		summaries = append(summaries, batchModelToSummary(&models[i]))
	}

	return summaries, total, nil
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}
