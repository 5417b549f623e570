package repository

import (
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

// BatchModel is the persistence model for the batches table. The statistic
// columns are a projection for listing; GetByID recomputes them from the
// stored iterations.
type BatchModel struct {
	ID                   string             `gorm:"type:uuid;primaryKey"`
	Provider             domain.Provider    `gorm:"type:varchar(20);not null"`
	Model                string             `gorm:"type:varchar(255);not null;default:''"`
	Prompt               string             `gorm:"type:text;not null"`
	SystemPrompt         *string            `gorm:"type:text"`
	Config               domain.BatchConfig `gorm:"type:jsonb;serializer:json;not null"`
	Status               domain.BatchStatus `gorm:"type:varchar(20);not null"`
	StartedAt            time.Time          `gorm:"not null"`
	CompletedAt          *time.Time
	TotalDurationMs      *float64
	TotalIterations      int     `gorm:"not null;default:0"`
	SuccessfulIterations int     `gorm:"not null;default:0"`
	FailedIterations     int     `gorm:"not null;default:0"`
	SuccessRate          float64 `gorm:"not null;default:0"`
	TotalTokens          int     `gorm:"not null;default:0"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// IterationModel is the persistence model for batch_iterations. One row per
// iteration slot, written once when the batch is finalized.
type IterationModel struct {
	BatchID        string                 `gorm:"type:uuid;primaryKey"`
	IterationIndex int                    `gorm:"primaryKey;autoIncrement:false"`
	Status         domain.IterationStatus `gorm:"type:varchar(20);not null"`
	Response       *domain.Completion     `gorm:"type:jsonb;serializer:json"`
	ErrorMessage   *string                `gorm:"type:text"`
	LatencyMs      *float64
	RetryCount     int `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (IterationModel) TableName() string {
	return "batch_iterations"
}

func batchModelFromDomain(b *domain.BatchResult) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:                   b.ID,
		Provider:             b.Provider,
		Model:                b.Model,
		Prompt:               b.Prompt,
		SystemPrompt:         b.SystemPrompt,
		Config:               b.Config,
		Status:               b.Status,
		StartedAt:            b.StartedAt,
		CompletedAt:          b.CompletedAt,
		TotalDurationMs:      b.TotalDurationMs,
		TotalIterations:      b.TotalIterations,
		SuccessfulIterations: b.SuccessfulIterations,
		FailedIterations:     b.FailedIterations,
		SuccessRate:          b.SuccessRate,
		TotalTokens:          b.TotalTokens,
	}
}

func batchModelToDomain(m *BatchModel) *domain.BatchResult {
	if m == nil {
		return nil
	}

	return &domain.BatchResult{
		ID:              m.ID,
		Provider:        m.Provider,
		Model:           m.Model,
		Prompt:          m.Prompt,
		SystemPrompt:    m.SystemPrompt,
		Config:          m.Config,
		Status:          m.Status,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		TotalDurationMs: m.TotalDurationMs,
		Iterations:      []domain.IterationResult{},
	}
}

func batchModelToSummary(m *BatchModel) domain.BatchSummary {
	return domain.BatchSummary{
		ID:                   m.ID,
		Provider:             m.Provider,
		Model:                m.Model,
		Status:               m.Status,
		Iterations:           m.Config.Iterations,
		SuccessfulIterations: m.SuccessfulIterations,
		FailedIterations:     m.FailedIterations,
		SuccessRate:          m.SuccessRate,
		TotalTokens:          m.TotalTokens,
		StartedAt:            m.StartedAt,
		CompletedAt:          m.CompletedAt,
		TotalDurationMs:      m.TotalDurationMs,
	}
}

func iterationModelFromDomain(batchID string, it domain.IterationResult) IterationModel {
	return IterationModel{
		BatchID:        batchID,
		IterationIndex: it.Index,
		Status:         it.Status,
		Response:       it.Response,
		ErrorMessage:   it.ErrorMessage,
		LatencyMs:      it.LatencyMs,
		RetryCount:     it.RetryCount,
	}
}

func iterationModelToDomain(m *IterationModel) domain.IterationResult {
	return domain.IterationResult{
		Index:        m.IterationIndex,
		Status:       m.Status,
		Response:     m.Response,
		ErrorMessage: m.ErrorMessage,
		LatencyMs:    m.LatencyMs,
		RetryCount:   m.RetryCount,
	}
}
