package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/valetbot/valet/config"
	"github.com/valetbot/valet/delegate"
	"github.com/valetbot/valet/invoke/mock"
	"github.com/valetbot/valet/session"
	"github.com/valetbot/valet/storage"
	"github.com/valetbot/valet/task"
	"github.com/valetbot/valet/transport"
	"github.com/valetbot/valet/trigger"
	"log/slog"
)

const testPassword = "hunter2"

func newTestServer(t *testing.T) (*Server, task.Store) {
	t.Helper()
	f, err := os.CreateTemp("", "valet-server-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks, err := task.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	subs, err := trigger.NewSubscriptionStore(db)
	if err != nil {
		t.Fatalf("NewSubscriptionStore: %v", err)
	}
	delegations, err := delegate.NewStore(db)
	if err != nil {
		t.Fatalf("delegate.NewStore: %v", err)
	}
	handles, err := session.NewHandleStore(db)
	if err != nil {
		t.Fatalf("NewHandleStore: %v", err)
	}
	registry, err := session.NewRegistry(session.Config{Invoker: mock.New(), Store: handles})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	exec := trigger.NewExecutor(registry, transport.NewInMemoryBus(), "local", "owner", nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Auth.AdminUser = "admin"
	cfg.Auth.AdminPass = string(hash)
	cfg.Auth.JWTSecret = "test-secret"

	srv := New(cfg, "test", slog.Default())
	srv.SetTaskStore(tasks)
	srv.SetTriggerManager(trigger.NewManager(subs, exec, nil))
	srv.SetDelegationStore(delegations)
	return srv, tasks
}

func login(t *testing.T, h http.Handler, user, pass string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
	req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp loginResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp.Token
}

func authedGet(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, token := login(t, h, "admin", testPassword)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body)
	}
	if token == "" {
		t.Fatal("no token issued")
	}

	rec, _ = login(t, h, "admin", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", rec.Code)
	}
	rec, _ = login(t, h, "intruder", testPassword)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad user status = %d", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	for _, path := range []string{"/api/status", "/api/tasks", "/api/triggers", "/api/delegations"} {
		if rec := authedGet(t, h, path, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, rec.Code)
		}
		if rec := authedGet(t, h, path, "not.a.token"); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s with garbage token = %d, want 401", path, rec.Code)
		}
	}
}

func TestStatusAndMe(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	_, token := login(t, h, "admin", testPassword)

	rec := authedGet(t, h, "/api/status", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status["version"] != "test" {
		t.Errorf("version = %v", status["version"])
	}

	rec = authedGet(t, h, "/api/auth/me", token)
	var me map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &me)
	if me["username"] != "admin" {
		t.Errorf("me = %v", me)
	}
}

func TestTaskEndpoints(t *testing.T) {
	srv, tasks := newTestServer(t)
	h := srv.Handler()
	_, token := login(t, h, "admin", testPassword)

	due := time.Now().Add(time.Hour)
	id, err := tasks.Create(&task.Task{
		Kind: task.KindScheduled, Title: "report", Prompt: "write it", ScheduleAt: &due,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := authedGet(t, h, "/api/tasks", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var listed []*task.Task
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 1 || listed[0].ID != id {
		t.Fatalf("listed = %v", listed)
	}

	rec = authedGet(t, h, "/api/tasks/"+id, token)
	if rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}
	if rec := authedGet(t, h, "/api/tasks/missing", token); rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/api/tasks/"+id+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	canc := httptest.NewRecorder()
	h.ServeHTTP(canc, req)
	if canc.Code != http.StatusOK {
		t.Fatalf("cancel = %d", canc.Code)
	}

	got, err := tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCancelCompletedTaskConflicts(t *testing.T) {
	srv, tasks := newTestServer(t)
	h := srv.Handler()
	_, token := login(t, h, "admin", testPassword)

	id, err := tasks.Create(&task.Task{Kind: task.KindAdhoc, Title: "finished"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tasks.TransitionStatus(id, task.StatusPending, task.StatusInProgress); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if err := tasks.Complete(id, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/tasks/"+id+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel completed = %d, want 409", rec.Code)
	}
}

func TestMessageEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetSubmitter(func(ctx context.Context, in transport.Incoming) (*session.Result, error) {
		if in.Identity != "owner" || in.Text != "hello" {
			t.Errorf("incoming = %+v", in)
		}
		return &session.Result{Text: "hi there"}, nil
	})
	h := srv.Handler()
	_, token := login(t, h, "admin", testPassword)

	body, _ := json.Marshal(map[string]string{
		"channel": "local", "identity": "owner", "role": "owner", "text": "hello",
	})
	req := httptest.NewRequest("POST", "/api/message", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("message = %d, body = %s", rec.Code, rec.Body)
	}
	var resp messageResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Buffered || resp.Text != "hi there" {
		t.Errorf("resp = %+v", resp)
	}

	// Missing fields are rejected before reaching the session layer.
	req = httptest.NewRequest("POST", "/api/message", bytes.NewReader([]byte(`{"identity":"owner"}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty text = %d, want 400", rec.Code)
	}
}

func TestEmptyCollectionsReturnArrays(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	_, token := login(t, h, "admin", testPassword)

	for _, path := range []string{"/api/tasks", "/api/triggers", "/api/delegations"} {
		rec := authedGet(t, h, path, token)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
			continue
		}
		if body := rec.Body.String(); body[0] != '[' {
			t.Errorf("GET %s body = %q, want JSON array", path, body)
		}
	}
}
