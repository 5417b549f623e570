package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusRunning        BatchStatus = "RUNNING"
	BatchStatusCompleted      BatchStatus = "COMPLETED"
	BatchStatusPartialFailure BatchStatus = "PARTIAL_FAILURE"
	BatchStatusCancelled      BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusRunning, BatchStatusCompleted, BatchStatusPartialFailure, BatchStatusCancelled:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s.IsValid() && s != BatchStatusRunning
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// IterationStatus is the terminal outcome of one iteration.
type IterationStatus string

const (
	IterationSuccess     IterationStatus = "success"
	IterationFailed      IterationStatus = "failed"
	IterationRateLimited IterationStatus = "rate_limited"
	IterationTimeout     IterationStatus = "timeout"
	IterationAuthError   IterationStatus = "auth_error"
	IterationCancelled   IterationStatus = "cancelled"
)

func (s IterationStatus) String() string { return string(s) }

func (s IterationStatus) IsValid() bool {
	switch s {
	case IterationSuccess, IterationFailed, IterationRateLimited, IterationTimeout, IterationAuthError, IterationCancelled:
		return true
	}
	return false
}

// Limits for batch configuration and prompts.
const (
	MinIterations     = 1
	MaxIterations     = 1000
	MinConcurrency    = 1
	MaxConcurrency    = 100
	MinTemperature    = 0.0
	MaxTemperature    = 2.0
	MinMaxTokens      = 1
	MaxMaxTokens      = 4096
	MaxPromptRunes    = 10000
	DefaultIterations = 10
	DefaultConcurrent = 10
	DefaultTemp       = 0.7
)

// BatchConfig is immutable once a batch starts.
type BatchConfig struct {
	Iterations     int     `json:"iterations"`
	MaxConcurrency int     `json:"maxConcurrency"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      *int    `json:"maxTokens,omitempty"`
	Model          *string `json:"model,omitempty"`
	SystemPrompt   *string `json:"systemPrompt,omitempty"`
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Iterations:     DefaultIterations,
		MaxConcurrency: DefaultConcurrent,
		Temperature:    DefaultTemp,
	}
}

func (c BatchConfig) Validate() error {
	if c.Iterations < MinIterations || c.Iterations > MaxIterations {
		return configurationError(fmt.Sprintf("iterations must be between %d and %d (got %d)", MinIterations, MaxIterations, c.Iterations))
	}
	if c.MaxConcurrency < MinConcurrency || c.MaxConcurrency > MaxConcurrency {
		return configurationError(fmt.Sprintf("maxConcurrency must be between %d and %d (got %d)", MinConcurrency, MaxConcurrency, c.MaxConcurrency))
	}
	if c.Temperature < MinTemperature || c.Temperature > MaxTemperature {
		return configurationError(fmt.Sprintf("temperature must be between %.1f and %.1f (got %g)", MinTemperature, MaxTemperature, c.Temperature))
	}
	if c.MaxTokens != nil && (*c.MaxTokens < MinMaxTokens || *c.MaxTokens > MaxMaxTokens) {
		return configurationError(fmt.Sprintf("maxTokens must be between %d and %d (got %d)", MinMaxTokens, MaxMaxTokens, *c.MaxTokens))
	}
	if c.Model != nil && strings.TrimSpace(*c.Model) == "" {
		return configurationError("model override must not be blank")
	}
	return nil
}

// RunnerRequest asks for one prompt to be sampled Config.Iterations times.
// BatchID may be pre-assigned by the caller; otherwise the runner assigns one.
type RunnerRequest struct {
	BatchID  string      `json:"batchId,omitempty"`
	Prompt   string      `json:"prompt"`
	Provider Provider    `json:"provider"`
	Config   BatchConfig `json:"config"`
}

func (r RunnerRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return configurationError("prompt is required")
	}
	if n := len([]rune(r.Prompt)); n > MaxPromptRunes {
		return configurationError(fmt.Sprintf("prompt exceeds %d characters (got %d)", MaxPromptRunes, n))
	}
	if !r.Provider.IsValid() {
		return configurationError(fmt.Sprintf("invalid provider %q", r.Provider))
	}
	return r.Config.Validate()
}

// CompletionRequest builds the request issued for every iteration attempt.
func (r RunnerRequest) CompletionRequest() CompletionRequest {
	messages := make([]Message, 0, 2)
	if r.Config.SystemPrompt != nil && strings.TrimSpace(*r.Config.SystemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: *r.Config.SystemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: r.Prompt})

	return CompletionRequest{
		Messages:    messages,
		Model:       r.Config.Model,
		Temperature: r.Config.Temperature,
		MaxTokens:   r.Config.MaxTokens,
		TopP:        DefaultTopP,
	}
}

// IterationResult holds the single outcome slot for one iteration index.
// Retries update RetryCount on the same slot.
type IterationResult struct {
	Index        int             `json:"iterationIndex"`
	Status       IterationStatus `json:"status"`
	Response     *Completion     `json:"response,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	LatencyMs    *float64        `json:"latencyMs,omitempty"`
	RetryCount   int             `json:"retryCount"`
}

func (r IterationResult) Succeeded() bool {
	return r.Status == IterationSuccess
}

// BatchStatistics is derived from the iteration list and never set on its own.
type BatchStatistics struct {
	TotalIterations       int                     `json:"totalIterations"`
	SuccessfulIterations  int                     `json:"successfulIterations"`
	FailedIterations      int                     `json:"failedIterations"`
	SuccessRate           float64                 `json:"successRate"`
	StatusCounts          map[IterationStatus]int `json:"statusCounts,omitempty"`
	TotalRetries          int                     `json:"totalRetries"`
	TotalPromptTokens     int                     `json:"totalPromptTokens"`
	TotalCompletionTokens int                     `json:"totalCompletionTokens"`
	TotalTokens           int                     `json:"totalTokens"`
	MinLatencyMs          *float64                `json:"minLatencyMs,omitempty"`
	AvgLatencyMs          *float64                `json:"avgLatencyMs,omitempty"`
	MaxLatencyMs          *float64                `json:"maxLatencyMs,omitempty"`
	P50LatencyMs          *float64                `json:"p50LatencyMs,omitempty"`
	P90LatencyMs          *float64                `json:"p90LatencyMs,omitempty"`
	P99LatencyMs          *float64                `json:"p99LatencyMs,omitempty"`
	RawResponses          []string                `json:"rawResponses"`
}

// BatchResult is the outcome of one probabilistic batch.
type BatchResult struct {
	ID              string            `json:"batchId"`
	Provider        Provider          `json:"provider"`
	Model           string            `json:"model"`
	Prompt          string            `json:"prompt"`
	SystemPrompt    *string           `json:"systemPrompt,omitempty"`
	Config          BatchConfig       `json:"config"`
	Status          BatchStatus       `json:"status"`
	StartedAt       time.Time         `json:"startedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	TotalDurationMs *float64          `json:"totalDurationMs,omitempty"`
	Iterations      []IterationResult `json:"iterations"`
	BatchStatistics
}

// RunnerProgress is an ephemeral snapshot of a running batch.
type RunnerProgress struct {
	BatchID         string  `json:"batchId"`
	Completed       int     `json:"completed"`
	Total           int     `json:"total"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	ProgressPercent float64 `json:"progressPercent"`
}

func NewRunnerProgress(batchID string, completed, total, successful, failed int) RunnerProgress {
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	return RunnerProgress{
		BatchID:         batchID,
		Completed:       completed,
		Total:           total,
		Successful:      successful,
		Failed:          failed,
		ProgressPercent: percent,
	}
}

// Done reports whether the snapshot describes a finished batch.
func (p RunnerProgress) Done() bool {
	return p.Total > 0 && p.Completed >= p.Total
}

// BatchSummary is the list view of a stored batch. Iterations are not loaded.
type BatchSummary struct {
	ID                   string      `json:"batchId"`
	Provider             Provider    `json:"provider"`
	Model                string      `json:"model"`
	Status               BatchStatus `json:"status"`
	Iterations           int         `json:"iterations"`
	SuccessfulIterations int         `json:"successfulIterations"`
	FailedIterations     int         `json:"failedIterations"`
	SuccessRate          float64     `json:"successRate"`
	TotalTokens          int         `json:"totalTokens"`
	StartedAt            time.Time   `json:"startedAt"`
	CompletedAt          *time.Time  `json:"completedAt,omitempty"`
	TotalDurationMs      *float64    `json:"totalDurationMs,omitempty"`
}
