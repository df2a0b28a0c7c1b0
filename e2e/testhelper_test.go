package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/reelforge/jobwatch/internal/auth"
	"github.com/reelforge/jobwatch/internal/client"
	"github.com/reelforge/jobwatch/internal/config"
	"github.com/reelforge/jobwatch/internal/handler"
	"github.com/reelforge/jobwatch/internal/middleware"
	"github.com/reelforge/jobwatch/internal/model"
	"github.com/reelforge/jobwatch/internal/observability"
	"github.com/reelforge/jobwatch/internal/service"
	"github.com/reelforge/jobwatch/internal/watch"
	ws "github.com/reelforge/jobwatch/internal/websocket"
)

const testJWTSecret = "test-secret-for-e2e"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend plays the job backend. Render jobs report done after
// doneAfter polls unless hold is set; generation jobs always fail.
type fakeBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	nextID    int
	polls     map[string]int
	persisted []watch.Record

	doneAfter     int
	hold          atomic.Bool
	submitStatus  int
	persistStatus int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{polls: map[string]int{}, doneAfter: 3}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/render", func(w http.ResponseWriter, r *http.Request) {
		b.submit(w, "r", "jobId")
	})
	mux.HandleFunc("GET /api/render/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		n := b.poll(id)
		if n >= b.doneAfter && !b.hold.Load() {
			writeJSON(w, http.StatusOK, map[string]any{"done": true, "success": true, "progress": 1, "url": "https://cdn.test/" + id + ".mp4"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"done": false, "progress": float64(n) * 0.25})
	})
	mux.HandleFunc("POST /api/avatar/generate", func(w http.ResponseWriter, r *http.Request) {
		b.submit(w, "g", "id")
	})
	mux.HandleFunc("GET /api/avatar/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.poll(r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "error": "avatar rejected"})
	})
	mux.HandleFunc("POST /api/videos", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.persistStatus != 0 {
			writeJSON(w, b.persistStatus, map[string]any{"error": "store unavailable"})
			return
		}
		var rec watch.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		b.persisted = append(b.persisted, rec)
		w.WriteHeader(http.StatusCreated)
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) submit(w http.ResponseWriter, prefix, idField string) {
	b.mu.Lock()
	if b.submitStatus != 0 {
		status := b.submitStatus
		b.mu.Unlock()
		writeJSON(w, status, map[string]any{"error": "backend overloaded"})
		return
	}
	b.nextID++
	id := fmt.Sprintf("%s-%d", prefix, b.nextID)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{idField: id})
}

func (b *fakeBackend) poll(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls[id]++
	return b.polls[id]
}

func (b *fakeBackend) pollCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls[id]
}

func (b *fakeBackend) failSubmits(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitStatus = status
}

func (b *fakeBackend) failPersists(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persistStatus = status
}

func (b *fakeBackend) records() []watch.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]watch.Record(nil), b.persisted...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// memStore is an in-memory JobStore fed by the orchestrator's notifier.
type memStore struct {
	mu   sync.Mutex
	jobs map[watch.Handle]*model.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: map[watch.Handle]*model.Job{}}
}

func (s *memStore) Get(ctx context.Context, h watch.Handle) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[h]
	if !ok {
		return nil, watch.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) MarkCanceled(ctx context.Context, h watch.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[h]; ok && !j.IsTerminal() {
		j.Status = model.JobStatusCanceled
	}
	return nil
}

func (s *memStore) save(snap watch.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := model.JobFromSnapshot(snap)
	if prev, ok := s.jobs[snap.Handle()]; ok {
		job.PersistError = prev.PersistError
	}
	s.jobs[snap.Handle()] = job
}

func (s *memStore) notifier() watch.Notifier {
	return watch.NotifierFuncs{
		Submitted: s.save,
		Progress:  func(snap watch.Snapshot, _ float64) { s.save(snap) },
		Success:   func(snap watch.Snapshot, _ watch.Result) { s.save(snap) },
		Failure:   func(snap watch.Snapshot, _ *watch.JobError) { s.save(snap) },
		PersistenceError: func(snap watch.Snapshot, err *watch.JobError) {
			s.save(snap)
			s.mu.Lock()
			defer s.mu.Unlock()
			msg := err.Error()
			s.jobs[snap.Handle()].PersistError = &msg
		},
	}
}

func (s *memStore) status(h watch.Handle) model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[h]; ok {
		return j.Status
	}
	return ""
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	backend  *fakeBackend
	store    *memStore
	watcher  *watch.Orchestrator
	hub      *ws.Hub
	verifier *auth.HMACVerifier
}

func testKinds() []config.KindConfig {
	return []config.KindConfig{
		{
			Name:         "render",
			PollInterval: 20 * time.Millisecond,
			Timeout:      3 * time.Second,
			SubmitPath:   "/api/render",
			StatusPath:   "/api/render/{jobId}",
			PersistPath:  "/api/videos",
			Format:       "mp4",
			Shape:        config.ShapeRender,
			Statuses:     map[string]string{"queued": "queued", "running": "processing", "succeeded": "ready", "failed": "failed"},
		},
		{
			Name:          "generation",
			PollInterval:  20 * time.Millisecond,
			Timeout:       3 * time.Second,
			SubmitPath:    "/api/avatar/generate",
			StatusPath:    "/api/avatar/status/{jobId}",
			PersistPath:   "/api/videos",
			Format:        "mp4",
			Shape:         config.ShapeQueue,
			ProgressScale: 100,
			Statuses:      map[string]string{"pending": "queued", "processing": "processing", "completed": "ready", "failed": "failed"},
		},
	}
}

// setupApp wires the server the way main.go does, against a fake backend
// and without Redis.
func setupApp(t *testing.T, opts ...func(*config.Config)) *testApp {
	t.Helper()

	backend := newFakeBackend(t)
	cfg := &config.Config{
		Backend: config.BackendConfig{BaseURL: backend.srv.URL, Timeout: 5 * time.Second},
		Persist: config.PersistConfig{Timeout: time.Second},
		Kinds:   testKinds(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	kinds, err := cfg.WatchKinds()
	if err != nil {
		t.Fatalf("failed to build kinds: %v", err)
	}

	metrics, metricsHandler, err := observability.NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	backendClient := client.NewBackendClient(&cfg.Backend, cfg.Kinds, discard)
	persistService := service.NewPersistService(backendClient, nil, nil, discard)

	orch, err := watch.New(watch.Config{
		Submitter:      backendClient,
		Checker:        backendClient,
		Persister:      persistService,
		Kinds:          kinds,
		Recorder:       metrics,
		Logger:         discard,
		PersistTimeout: cfg.Persist.Timeout,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := ws.NewHub(discard)
	go hub.Run(hubCtx)

	store := newMemStore()
	notifier := watch.Notifiers(hub, store.notifier())

	verifier := auth.NewHMACVerifier(testJWTSecret)
	app := handler.NewApp(handler.AppConfig{
		Middleware: []fiber.Handler{observability.FiberMiddleware(metrics)},
	})
	handler.RegisterRoutes(app, handler.Routes{
		Jobs:    handler.NewJobHandler(orch, store, notifier, validator.New(), discard),
		Auth:    handler.NewAuthHandler(verifier),
		Hub:     hub,
		APIAuth: middleware.Authenticate(verifier),
		Metrics: metricsHandler,
		Health: func() fiber.Map {
			return fiber.Map{"backend": backendClient.IsConfigured(), "r2": false, "auth": true}
		},
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		stopHub()
		_ = metrics.Shutdown(ctx)
	})

	return &testApp{app: app, backend: backend, store: store, watcher: orch, hub: hub, verifier: verifier}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.NewHMACVerifier(testJWTSecret).Issue("test-user-123", "test@example.com", time.Hour)
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

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
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

// submitJob posts body to /api/jobs/kind and returns the job handle.
func submitJob(t *testing.T, ta *testApp, kind, body string) watch.Handle {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+kind, body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	result := parseJSON(t, resp)
	id, _ := result["jobId"].(string)
	if id == "" {
		t.Fatalf("expected 'jobId' in response, got %v", result)
	}
	return watch.Handle{Kind: watch.Kind(kind), JobID: id}
}

const renderBody = `{"projectId":"6f1c2b7e-3d4a-4c55-9a0e-1b2c3d4e5f60","composition":"intro","fps":30}`

const generationBody = `{"avatarId":"avatar-7","script":"Hello there"}`
