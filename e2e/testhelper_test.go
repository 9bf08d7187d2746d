package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geotask/api/internal/auth"
	"github.com/geotask/api/internal/client"
	"github.com/geotask/api/internal/escrow"
	"github.com/geotask/api/internal/handler"
	"github.com/geotask/api/internal/lifecycle"
	"github.com/geotask/api/internal/lock"
	"github.com/geotask/api/internal/middleware"
	"github.com/geotask/api/internal/rules"
	"github.com/geotask/api/internal/service"
	"github.com/geotask/api/internal/store"
	"github.com/geotask/api/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"

	businessID = "biz-e2e"
	workerID   = "worker-e2e"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store *store.MemoryStore
}

type testOptions struct {
	gateway            client.PaymentGateway
	honorManualRelease bool
}

// inlineEnqueuer runs release tasks synchronously instead of queueing them in redis
type inlineEnqueuer struct {
	worker *worker.ReleaseWorker
}

func (e *inlineEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if err := e.worker.ProcessTask(context.Background(), task); err != nil {
		return nil, err
	}
	return &asynq.TaskInfo{ID: "inline", Type: task.Type(), State: asynq.TaskStateCompleted}, nil
}

// releaseFailingGateway funds escrow but never releases it
type releaseFailingGateway struct {
	client.SimulatedGateway
}

func (g *releaseFailingGateway) Release(ctx context.Context, req *client.ReleaseRequest) (*client.ReleaseResponse, error) {
	return nil, client.ErrGatewayUnavailable
}

func setupApp(t *testing.T) *testApp {
	return newTestApp(t, testOptions{})
}

// newTestApp creates a Fiber app wired like main.go on the in-memory store.
// Nothing here needs redis: rate limiting is off and release tasks run inline.
func newTestApp(t *testing.T, opts testOptions) *testApp {
	t.Helper()

	st := store.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	gateway := opts.gateway
	if gateway == nil {
		gateway = client.NewSimulatedGateway()
	}

	validate := validator.New()

	ledger := escrow.NewLedger(st)
	engine := rules.NewEngine()
	lc := lifecycle.New(st, ledger, gateway, locker, lifecycle.Options{
		AssignWait:     2 * time.Second,
		GatewayTimeout: 2 * time.Second,
	})

	enqueuer := &inlineEnqueuer{}
	jobService := service.NewJobService(st, lc, engine, ledger, enqueuer, nil)
	completionService := service.NewCompletionService(st, lc, engine, ledger, gateway, locker, nil, service.CompletionOptions{
		GatewayTimeout:     2 * time.Second,
		HonorManualRelease: opts.honorManualRelease,
	})
	enqueuer.worker = worker.NewReleaseWorker(completionService, nil)
	auditService := service.NewAuditService(st, nil) // nil storage returns mock links

	jobHandler := handler.NewJobHandler(jobService, completionService, auditService, validate)
	verificationHandler := handler.NewVerificationHandler(validate)

	// Auth middleware: legacy HMAC only
	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)
	authHandler := handler.NewAuthHandler(authMiddleware.Authenticator())
	rateLimiter := middleware.NewRateLimiter(nil)

	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"store":   st.Ping(c.Context()) == nil,
				"redis":   false,
				"gateway": false,
				"r2":      false,
				"auth":    true,
			},
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())

	jobs := api.Group("/jobs")
	businessOnly := middleware.RequireRole(auth.RoleBusiness)
	workerOnly := middleware.RequireRole(auth.RoleWorker)
	jobs.Post("/", businessOnly, rateLimiter.JobsLimit(10000), jobHandler.Create)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/nearby", jobHandler.Nearby)
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Post("/:jobId/assign", businessOnly, jobHandler.Assign)
	jobs.Post("/:jobId/start", workerOnly, jobHandler.Start)
	jobs.Post("/:jobId/complete", workerOnly, rateLimiter.CompletionsLimit(10000), jobHandler.Complete)
	jobs.Post("/:jobId/validate-payment", jobHandler.ValidatePayment)
	jobs.Post("/:jobId/release", businessOnly, rateLimiter.ReleasesLimit(10000), jobHandler.Release)
	jobs.Post("/:jobId/audit/export", businessOnly, jobHandler.ExportAudit)

	api.Post("/verify-location", verificationHandler.VerifyLocation)

	return &testApp{app: app, store: st}
}

// generateToken creates a legacy HMAC JWT token for userID.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.GenerateLegacyToken(userID, userID+"@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
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

// doAuthRequest performs a request authenticated as userID.
func doAuthRequest(t *testing.T, app *fiber.App, userID, method, path, body string) *http.Response {
	t.Helper()
	token := generateToken(t, userID)
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
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

// errorCode extracts error.code from an error envelope.
func errorCode(body map[string]interface{}) string {
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		return ""
	}
	code, _ := e["code"].(string)
	return code
}
