package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/repository"
	"github.com/kursadbilgin/sampling-engine/internal/service"
	"github.com/kursadbilgin/sampling-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const testBatchID = "0d7b4a52-8f36-4b7a-9d43-2f1c1a2b3c4d"

func TestBatchIntegration_CreateBatch(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		submitFn: func(ctx context.Context, req domain.RunnerRequest, correlationID string) (*service.Submission, error) {
			if err := req.Validate(); err != nil {
				return nil, err
			}
			if req.Config.Iterations != 25 || req.Config.MaxConcurrency != domain.DefaultConcurrent {
				t.Fatalf("config = %+v, want iterations override and default concurrency", req.Config)
			}
			if req.Config.SystemPrompt == nil || *req.Config.SystemPrompt != "be brief" {
				t.Fatalf("SystemPrompt = %v, want be brief", req.Config.SystemPrompt)
			}
			if correlationID != "req-7" {
				t.Fatalf("correlationID = %q, want req-7", correlationID)
			}
			return &service.Submission{
				BatchID:       testBatchID,
				CorrelationID: correlationID,
				Provider:      req.Provider,
				Iterations:    req.Config.Iterations,
			}, nil
		},
	}
	app := newBatchTestApp(t, svc, nil)

	body := `{"prompt":"best budget phone?","provider":"OpenAI","config":{"iterations":25,"systemPrompt":"be brief"}}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/batches", body, map[string]string{
		fiber.HeaderXRequestID: "req-7",
	})
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	var accepted map[string]any
	if err := json.Unmarshal(respBody, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["batchId"] != testBatchID || accepted["provider"] != "openai" || accepted["status"] != "QUEUED" {
		t.Fatalf("response = %v", accepted)
	}
	if accepted["progressUrl"] != "/v1/batches/"+testBatchID+"/progress" {
		t.Fatalf("progressUrl = %v", accepted["progressUrl"])
	}
}

func TestBatchIntegration_CreateBatchRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		submitFn: func(ctx context.Context, req domain.RunnerRequest, correlationID string) (*service.Submission, error) {
			if err := req.Validate(); err != nil {
				return nil, err
			}
			return &service.Submission{BatchID: testBatchID, Provider: req.Provider}, nil
		},
	}
	app := newBatchTestApp(t, svc, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{`},
		{name: "unknown provider", body: `{"prompt":"hi","provider":"gemini"}`},
		{name: "empty prompt", body: `{"prompt":"  ","provider":"openai"}`},
		{name: "too many iterations", body: `{"prompt":"hi","provider":"openai","config":{"iterations":1001}}`},
		{name: "temperature out of range", body: `{"prompt":"hi","provider":"anthropic","config":{"temperature":2.5}}`},
		{name: "concurrency out of range", body: `{"prompt":"hi","provider":"perplexity","config":{"maxConcurrency":0}}`},
	}

	for _, tt := range tests {
		resp, body := performRequest(t, app, http.MethodPost, "/v1/batches", tt.body, nil)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400, body=%s", tt.name, resp.StatusCode, string(body))
		}
	}
}

func TestBatchIntegration_GetBatch(t *testing.T) {
	t.Parallel()

	latency := 120.0
	svc := &stubBatchService{
		getByIDFn: func(ctx context.Context, id string) (*domain.BatchResult, error) {
			if id != testBatchID {
				return nil, domain.ErrNotFound
			}
			return &domain.BatchResult{
				ID:       testBatchID,
				Provider: domain.ProviderAnthropic,
				Status:   domain.BatchStatusCompleted,
				Iterations: []domain.IterationResult{
					{Index: 0, Status: domain.IterationSuccess, LatencyMs: &latency},
				},
				BatchStatistics: domain.BatchStatistics{TotalIterations: 1, SuccessfulIterations: 1, SuccessRate: 1},
			}, nil
		},
	}
	app := newBatchTestApp(t, svc, nil)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/"+testBatchID, "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["batchId"] != testBatchID || parsed["status"] != "COMPLETED" || parsed["successRate"] != 1.0 {
		t.Fatalf("response = %v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches/unknown", "", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBatchIntegration_ListBatchesPaginationAndFilters(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error) {
			if params.Page != 2 || params.PageSize != 10 {
				t.Fatalf("paging = %d/%d, want 2/10", params.Page, params.PageSize)
			}
			if params.Status == nil || *params.Status != domain.BatchStatusPartialFailure {
				t.Fatalf("status filter = %v, want PARTIAL_FAILURE", params.Status)
			}
			if params.Provider == nil || *params.Provider != domain.ProviderPerplexity {
				t.Fatalf("provider filter = %v, want perplexity", params.Provider)
			}
			return []domain.BatchSummary{{ID: testBatchID, Status: domain.BatchStatusPartialFailure}}, 11, nil
		},
	}
	app := newBatchTestApp(t, svc, nil)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches?page=2&pageSize=10&status=partial_failure&provider=Perplexity", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed listBatchesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Meta.Total != 11 || len(parsed.Data) != 1 || parsed.Data[0].ID != testBatchID {
		t.Fatalf("response = %+v", parsed)
	}

	invalid := []string{
		"/v1/batches?page=0",
		"/v1/batches?pageSize=101",
		"/v1/batches?status=DONE",
		"/v1/batches?provider=gemini",
	}
	for _, path := range invalid {
		resp, _ := performRequest(t, app, http.MethodGet, path, "", nil)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestBatchIntegration_StreamProgressLive(t *testing.T) {
	t.Parallel()

	updates := make(chan domain.RunnerProgress, 1)
	updates <- domain.NewRunnerProgress(testBatchID, 3, 4, 2, 1)
	close(updates)

	progress := &stubProgressSource{
		subscribeFn: func(batchID string) (<-chan domain.RunnerProgress, error) {
			return updates, nil
		},
	}
	app := newBatchTestApp(t, &stubBatchService{}, progress)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/"+testBatchID+"/progress", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	text := string(body)
	if !strings.Contains(text, "event: progress\ndata: ") || !strings.Contains(text, `"completed":3`) {
		t.Fatalf("body = %q, want a progress event", text)
	}
	if !strings.Contains(text, "event: done") {
		t.Fatalf("body = %q, want a done event", text)
	}
	if !progress.unsubscribed.Load() {
		t.Fatal("stream should unsubscribe when it ends")
	}
}

func TestBatchIntegration_StreamProgressFallsBackToStoredBatch(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		getByIDFn: func(ctx context.Context, id string) (*domain.BatchResult, error) {
			if id != testBatchID {
				return nil, domain.ErrNotFound
			}
			return &domain.BatchResult{
				ID:         testBatchID,
				Status:     domain.BatchStatusCompleted,
				Config:     domain.BatchConfig{Iterations: 2},
				Iterations: []domain.IterationResult{{Index: 0}, {Index: 1}},
				BatchStatistics: domain.BatchStatistics{
					TotalIterations:      2,
					SuccessfulIterations: 2,
				},
			}, nil
		},
	}
	app := newBatchTestApp(t, svc, &stubProgressSource{})

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/"+testBatchID+"/progress", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"progressPercent":100`) {
		t.Fatalf("body = %q, want a finished snapshot", string(body))
	}
	if !strings.Contains(string(body), "event: done") {
		t.Fatalf("body = %q, want a done event for a finished batch", string(body))
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches/unknown/progress", "", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBatchIntegration_StreamProgressRunningElsewhereHasNoDone(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		getByIDFn: func(ctx context.Context, id string) (*domain.BatchResult, error) {
			return &domain.BatchResult{
				ID:         testBatchID,
				Status:     domain.BatchStatusRunning,
				Config:     domain.BatchConfig{Iterations: 4},
				Iterations: []domain.IterationResult{},
			}, nil
		},
	}
	app := newBatchTestApp(t, svc, &stubProgressSource{})

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/"+testBatchID+"/progress", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	text := string(body)
	if !strings.Contains(text, "event: progress") || !strings.Contains(text, `"total":4`) {
		t.Fatalf("body = %q, want a progress snapshot", text)
	}
	if strings.Contains(text, "event: done") {
		t.Fatalf("body = %q, running batch must not be reported done", text)
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), newStubRedisClient(nil), nil)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubPinger{})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"rabbitmq":"ok"`) {
			t.Fatalf("body = %s, want rabbitmq check", string(body))
		}
	})

	t.Run("readyz returns 503 when a dependency is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubPinger{err: errors.New("broker down")})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when storage is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})
}

type stubBatchService struct {
	submitFn  func(ctx context.Context, req domain.RunnerRequest, correlationID string) (*service.Submission, error)
	getByIDFn func(ctx context.Context, id string) (*domain.BatchResult, error)
	listFn    func(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error)
}

func (s *stubBatchService) Submit(ctx context.Context, req domain.RunnerRequest, correlationID string) (*service.Submission, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, req, correlationID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubBatchService) GetByID(ctx context.Context, id string) (*domain.BatchResult, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubBatchService) List(ctx context.Context, params repository.ListParams) ([]domain.BatchSummary, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

type stubProgressSource struct {
	subscribeFn  func(batchID string) (<-chan domain.RunnerProgress, error)
	unsubscribed atomic.Bool
}

func (s *stubProgressSource) Subscribe(batchID string) (<-chan domain.RunnerProgress, error) {
	if s.subscribeFn != nil {
		return s.subscribeFn(batchID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubProgressSource) Unsubscribe(batchID string, ch <-chan domain.RunnerProgress) {
	s.unsubscribed.Store(true)
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func newBatchTestApp(t *testing.T, svc BatchService, progress ProgressSource) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterBatchRoutes(app, svc, progress); err != nil {
		t.Fatalf("RegisterBatchRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, int(5*time.Second/time.Millisecond))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
