package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/liyuwei007036/yunjin-sd-api/internal/auth"
	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
	"github.com/liyuwei007036/yunjin-sd-api/internal/handler"
	"github.com/liyuwei007036/yunjin-sd-api/internal/locator"
	"github.com/liyuwei007036/yunjin-sd-api/internal/middleware"
	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
	"github.com/liyuwei007036/yunjin-sd-api/internal/service"
	"github.com/liyuwei007036/yunjin-sd-api/internal/store"
	ws "github.com/liyuwei007036/yunjin-sd-api/internal/websocket"
	"github.com/liyuwei007036/yunjin-sd-api/internal/worker"
)

const (
	testAPIKey    = "test-api-key"
	testJWTSecret = "test-secret-for-e2e"
)

// appOptions tweaks the stack built by setupApp
type appOptions struct {
	llm             *config.LLMConfig // nil leaves translation unconfigured
	generatePerHour int
	triggerTerms    []string
}

// testApp holds the running stack
type testApp struct {
	app      *fiber.App
	tasks    *service.TaskService
	storage  *client.MemoryStorage
	engine   *client.MockEngine
	services *locator.Locator
	worker   *worker.GenerateWorker
}

// setupApp builds the same stack as cmd/server with the mock engine, the
// in-memory object store, a local scheduler and a miniredis rate limiter.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	taskStore := store.NewTaskStore(db)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	engine := client.NewMockEngine()
	storage := client.NewMemoryStorage(handler.ImagePathPrefix)
	callbackCfg := &config.CallbackConfig{RetryTimes: 2, RetryInterval: 10 * time.Millisecond, Timeout: time.Second}
	services := locator.New(
		func(ctx context.Context) (client.ImageEngine, error) { return client.NewGatedEngine(engine, 1), nil },
		func(ctx context.Context) (client.StorageClient, error) { return storage, nil },
		func() *service.CallbackService { return service.NewCallbackService(callbackCfg) },
	)

	llmCfg := &config.LLMConfig{}
	if opts.llm != nil {
		llmCfg = opts.llm
	}

	hub := ws.NewHub()
	go hub.Run()

	taskService := service.NewTaskService(taskStore)
	generateWorker := worker.NewGenerateWorker(taskService, services, service.NewUploadService(services), hub, opts.triggerTerms)
	scheduler := worker.NewLocalScheduler(generateWorker, 2, 16)
	generateService := service.NewGenerateService(
		taskService,
		service.NewPromptService(client.NewLLMClient(llmCfg), ""),
		scheduler,
		model.SchedulerDPMSolverMultistep,
	)

	limit := opts.generatePerHour
	if limit == 0 {
		limit = 10000
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    50 * 1024 * 1024,
	})
	handler.Register(app, handler.Routes{
		Generate:      handler.NewGenerateHandler(generateService, validator.New(), hub),
		Health:        handler.NewHealthHandler(services),
		Auth:          handler.NewAuthHandler(),
		Images:        handler.NewImageHandler(storage),
		Authenticate:  middleware.NewAuthMiddleware(auth.NewKeySet([]string{testAPIKey}), nil, testJWTSecret).Authenticate(),
		GenerateLimit: middleware.NewRateLimiter(redisClient).GenerateLimit(limit),
		PublicHealth:  true,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		scheduler.Shutdown(ctx)
		generateWorker.Wait()
		hub.Stop()
		services.Shutdown(ctx)
		redisClient.Close()
		mr.Close()
		taskStore.Close()
	})

	return &testApp{
		app:      app,
		tasks:    taskService,
		storage:  storage,
		engine:   engine,
		services: services,
		worker:   generateWorker,
	}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request authenticated with the test API key.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"X-API-Key": testAPIKey,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode returns error.code from an error envelope
func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// waitForTerminal polls the task endpoint until the task completes or fails
func waitForTerminal(t *testing.T, app *fiber.App, taskID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := doAuthRequest(t, app, http.MethodGet, "/api/v1/tasks/"+taskID, "")
		body := parseJSON(t, resp)
		if status := body["status"]; status == "completed" || status == "failed" {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", taskID)
	return nil
}

// callbackSink records webhook deliveries
type callbackSink struct {
	srv      *httptest.Server
	mu       sync.Mutex
	payloads []model.CallbackPayload
}

func newCallbackSink(t *testing.T) *callbackSink {
	t.Helper()
	s := &callbackSink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p model.CallbackPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			s.mu.Lock()
			s.payloads = append(s.payloads, p)
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *callbackSink) received() []model.CallbackPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CallbackPayload(nil), s.payloads...)
}

// fakeLLM serves OpenAI-compatible chat completions with a fixed reply
func fakeLLM(t *testing.T, status int, content string) *config.LLMConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "upstream exploded", status)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return &config.LLMConfig{APIKey: "llm-key", BaseURL: srv.URL, Model: "test", Timeout: 5}
}

// waitFor polls until the sink has received n deliveries
func (s *callbackSink) waitFor(t *testing.T, n int) []model.CallbackPayload {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.received(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d callback(s), got %d", n, len(s.received()))
	return nil
}
