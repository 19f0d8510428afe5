package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskroom/domain"
	"taskroom/storage"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int
	tasks  map[string]domain.Task
	users  []domain.User
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]domain.Task)}
}

func (f *fakeStore) FetchTasks(ctx context.Context, room string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tasks := make([]domain.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (f *fakeStore) GetTask(ctx context.Context, room, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, storage.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, room string, draft domain.Task) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Task{}, f.err
	}
	f.nextID++
	draft.ID = fmt.Sprintf("t%d", f.nextID)
	draft.CreatedAt = int64(f.nextID * 100)
	draft.UpdatedAt = draft.CreatedAt
	f.tasks[draft.ID] = draft
	return draft, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, room, id string, patch domain.TaskPatch) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, storage.ErrTaskNotFound
	}
	updated := patch.Apply(current)
	updated.UpdatedAt = current.UpdatedAt + 1
	f.tasks[id] = updated
	return updated, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, room, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return storage.ErrTaskNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) FetchUsers(ctx context.Context) ([]domain.User, error) {
	return f.users, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, storage.ErrUserNotFound
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "u1", nil }

type capturePublisher struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (p *capturePublisher) Publish(env domain.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *capturePublisher) published() []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Envelope, len(p.envs))
	copy(out, p.envs)
	return out
}

type fakeDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	removed []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]bool)}
}

func (d *fakeDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := userID + ":" + key
	if d.seen[k] {
		return false, nil
	}
	d.seen[k] = true
	return true, nil
}

func (d *fakeDeduper) Remove(ctx context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := userID + ":" + key
	delete(d.seen, k)
	d.removed = append(d.removed, k)
	return nil
}

func newTestContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestGetTasks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := newFakeStore()
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "a", Status: domain.StatusPending}
	store.tasks["t2"] = domain.Task{ID: "t2", Title: "b", Status: domain.StatusCompleted}

	c, rec := newTestContext(t, http.MethodGet, "/api/tasks", "")
	if err := getTasks(store, mockAuth{}, logger)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tasks []domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestGetTasksStatusFilter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := newFakeStore()
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "a", Status: domain.StatusPending}
	store.tasks["t2"] = domain.Task{ID: "t2", Title: "b", Status: domain.StatusCompleted}

	c, rec := newTestContext(t, http.MethodGet, "/api/tasks?status=completed", "")
	if err := getTasks(store, mockAuth{}, logger)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	var tasks []domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Fatalf("unexpected filter result: %+v", tasks)
	}

	c, rec = newTestContext(t, http.MethodGet, "/api/tasks?status=nope", "")
	if err := getTasks(store, mockAuth{}, logger)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad filter, got %d", rec.Code)
	}
}

func TestCreateTask(t *testing.T) {
	store := newFakeStore()
	store.users = []domain.User{{ID: "u1", Username: "alice"}}
	pub := &capturePublisher{}

	c, rec := newTestContext(t, http.MethodPost, "/api/tasks", `{"title":"Write release notes","tags":["docs"]}`)
	c.Request().Header.Set(ConnectionIDHeader, "conn-1")
	if err := createTask(store, mockAuth{}, nil, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected server-assigned ID")
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("expected default pending status, got %s", task.Status)
	}
	if task.CreatedBy.Username != "alice" {
		t.Fatalf("expected resolved creator, got %+v", task.CreatedBy)
	}

	envs := pub.published()
	if len(envs) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(envs))
	}
	if envs[0].Kind != domain.TaskCreated || envs[0].Origin != "conn-1" {
		t.Fatalf("unexpected envelope: %+v", envs[0])
	}
	if envs[0].Task == nil || envs[0].Task.ID != task.ID {
		t.Fatalf("envelope must carry the stored task: %+v", envs[0].Task)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}
	for _, body := range []string{
		`{"title":"   "}`,
		`{"title":"x","status":"done"}`,
		`{"title":"x","bogus":true}`,
		`not json`,
	} {
		c, rec := newTestContext(t, http.MethodPost, "/api/tasks", body)
		if err := createTask(store, mockAuth{}, nil, pub)(c); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for body %q, got %d", body, rec.Code)
		}
	}
	if len(pub.published()) != 0 {
		t.Fatal("rejected mutations must not broadcast")
	}
}

func TestCreateTaskIdempotency(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}
	deduper := newFakeDeduper()

	c, rec := newTestContext(t, http.MethodPost, "/api/tasks", `{"title":"once"}`)
	c.Request().Header.Set(IdempotencyKeyHeader, "key-1")
	if err := createTask(store, mockAuth{}, deduper, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	c, rec = newTestContext(t, http.MethodPost, "/api/tasks", `{"title":"once"}`)
	c.Request().Header.Set(IdempotencyKeyHeader, "key-1")
	if err := createTask(store, mockAuth{}, deduper, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for replay, got %d", rec.Code)
	}
	if len(pub.published()) != 1 {
		t.Fatalf("replay must not broadcast, got %d events", len(pub.published()))
	}
}

func TestCreateTaskStoreFailureRollsBackKey(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("boom")
	pub := &capturePublisher{}
	deduper := newFakeDeduper()

	c, rec := newTestContext(t, http.MethodPost, "/api/tasks", `{"title":"x"}`)
	c.Request().Header.Set(IdempotencyKeyHeader, "key-1")
	if err := createTask(store, mockAuth{}, deduper, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(pub.published()) != 0 {
		t.Fatal("failed mutations must not broadcast")
	}
	if len(deduper.removed) != 1 {
		t.Fatalf("expected dedupe key rollback, removed=%v", deduper.removed)
	}
}

func TestUpdateTask(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "a", Status: domain.StatusPending}
	pub := &capturePublisher{}

	c, rec := newTestContext(t, http.MethodPut, "/api/tasks/t1", `{"status":"completed"}`)
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues("t1")
	c.Request().Header.Set(ConnectionIDHeader, "conn-1")
	if err := updateTask(store, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != domain.StatusCompleted || task.Title != "a" {
		t.Fatalf("unexpected task: %+v", task)
	}

	envs := pub.published()
	if len(envs) != 1 || envs[0].Kind != domain.TaskUpdated || envs[0].Origin != "conn-1" {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}

	c, rec := newTestContext(t, http.MethodPut, "/api/tasks/missing", `{"status":"completed"}`)
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if err := updateTask(store, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(pub.published()) != 0 {
		t.Fatal("failed mutations must not broadcast")
	}
}

func TestDeleteTask(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "a", Status: domain.StatusPending}
	pub := &capturePublisher{}

	c, rec := newTestContext(t, http.MethodDelete, "/api/tasks/t1", "")
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues("t1")
	if err := deleteTask(store, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	envs := pub.published()
	if len(envs) != 1 || envs[0].Kind != domain.TaskDeleted || envs[0].TaskID != "t1" {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}

	c, rec = newTestContext(t, http.MethodDelete, "/api/tasks/t1", "")
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues("t1")
	if err := deleteTask(store, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeat delete, got %d", rec.Code)
	}
	if len(pub.published()) != 1 {
		t.Fatal("missing-entity delete must not broadcast")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := newFakeStore()
	c, rec := newTestContext(t, http.MethodGet, "/api/tasks/missing", "")
	c.SetPath("/api/tasks/:id")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if err := getTask(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetUsers(t *testing.T) {
	store := newFakeStore()
	store.users = []domain.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}
	c, rec := newTestContext(t, http.MethodGet, "/api/users", "")
	if err := getUsers(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var users []domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}
