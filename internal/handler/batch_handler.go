package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/repository"
	"github.com/kursadbilgin/sampling-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	progressKeepAlive = 15 * time.Second
)

type BatchService interface {
	Submit(ctx context.Context, req domain.RunnerRequest, correlationID string) (*service.Submission, error)
	GetByID(ctx context.Context, id string) (*domain.BatchResult, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error)
}

// ProgressSource streams snapshots of batches running in this process.
type ProgressSource interface {
	Subscribe(batchID string) (<-chan domain.RunnerProgress, error)
	Unsubscribe(batchID string, ch <-chan domain.RunnerProgress)
}

type BatchHandler struct {
	service  BatchService
	progress ProgressSource
}

func NewBatchHandler(service BatchService, progress ProgressSource) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service, progress: progress}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService, progress ProgressSource) error {
	h, err := NewBatchHandler(service, progress)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.CreateBatch)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Get("/batches/:id/progress", h.StreamProgress)

	return nil
}

type createBatchRequest struct {
	Prompt   string              `json:"prompt"`
	Provider string              `json:"provider"`
	Config   *batchConfigRequest `json:"config,omitempty"`
}

type batchConfigRequest struct {
	Iterations     *int     `json:"iterations"`
	MaxConcurrency *int     `json:"maxConcurrency"`
	Temperature    *float64 `json:"temperature"`
	MaxTokens      *int     `json:"maxTokens"`
	Model          *string  `json:"model"`
	SystemPrompt   *string  `json:"systemPrompt"`
}

type createBatchResponse struct {
	BatchID       string `json:"batchId"`
	CorrelationID string `json:"correlationId"`
	Provider      string `json:"provider"`
	Iterations    int    `json:"iterations"`
	Status        string `json:"status"`
	ResultURL     string `json:"resultUrl"`
	ProgressURL   string `json:"progressUrl"`
}

type listBatchesResponse struct {
	Data []domain.BatchSummary `json:"data"`
	Meta listMeta              `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	runnerReq, err := requestToRunnerRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	sub, err := h.service.Submit(c.UserContext(), runnerReq, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(createBatchResponse{
		BatchID:       sub.BatchID,
		CorrelationID: sub.CorrelationID,
		Provider:      sub.Provider.String(),
		Iterations:    sub.Iterations,
		Status:        "QUEUED",
		ResultURL:     "/v1/batches/" + sub.BatchID,
		ProgressURL:   "/v1/batches/" + sub.BatchID + "/progress",
	})
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(batch)
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	batches, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}
	if batches == nil {
		batches = []domain.BatchSummary{}
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: batches,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

// StreamProgress serves progress as server-sent events. A batch that is not
// running in this process gets one snapshot derived from its stored state,
// followed by done only when that state is terminal.
func (h *BatchHandler) StreamProgress(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	var updates <-chan domain.RunnerProgress
	if h.progress != nil {
		ch, err := h.progress.Subscribe(id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return toHTTPError(err)
		}
		updates = ch
	}

	var (
		snapshot *domain.RunnerProgress
		finished bool
	)
	if updates == nil {
		batch, err := h.service.GetByID(c.UserContext(), id)
		if err != nil {
			return toHTTPError(err)
		}
		p := progressFromBatch(batch)
		snapshot = &p
		finished = batch.Status.IsTerminal()
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	progress := h.progress
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if snapshot != nil {
			// A batch still running in another process gets no done event,
			// so the client reconnects and polls again.
			_ = writeEvent(w, "progress", snapshot)
			if finished {
				_ = writeEvent(w, "done", fiber.Map{"batchId": id})
			}
			return
		}
		defer progress.Unsubscribe(id, updates)

		keepAlive := time.NewTicker(progressKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case p, ok := <-updates:
				if !ok {
					_ = writeEvent(w, "done", fiber.Map{"batchId": id})
					return
				}
				if err := writeEvent(w, "progress", p); err != nil {
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

func progressFromBatch(b *domain.BatchResult) domain.RunnerProgress {
	total := b.Config.Iterations
	if !b.Status.IsTerminal() {
		return domain.NewRunnerProgress(b.ID, 0, total, 0, 0)
	}
	return domain.NewRunnerProgress(b.ID, len(b.Iterations), total, b.SuccessfulIterations, b.FailedIterations)
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseBatchStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawProvider := strings.TrimSpace(c.Query("provider")); rawProvider != "" {
		p, err := domain.ParseProviderFromString(rawProvider)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Provider = &p
	}

	return params, nil
}

func requestToRunnerRequest(req createBatchRequest) (domain.RunnerRequest, error) {
	p, err := domain.ParseProviderFromString(req.Provider)
	if err != nil {
		return domain.RunnerRequest{}, err
	}

	cfg := domain.DefaultBatchConfig()
	if in := req.Config; in != nil {
		if in.Iterations != nil {
			cfg.Iterations = *in.Iterations
		}
		if in.MaxConcurrency != nil {
			cfg.MaxConcurrency = *in.MaxConcurrency
		}
		if in.Temperature != nil {
			cfg.Temperature = *in.Temperature
		}
		cfg.MaxTokens = in.MaxTokens
		cfg.Model = in.Model
		cfg.SystemPrompt = in.SystemPrompt
	}

	return domain.RunnerRequest{
		Prompt:   req.Prompt,
		Provider: p,
		Config:   cfg,
	}, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
