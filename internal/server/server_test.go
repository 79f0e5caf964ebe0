package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/housework/internal/backup"
	"github.com/dukerupert/housework/internal/database"
	"github.com/dukerupert/housework/internal/middleware"
	"github.com/dukerupert/housework/internal/model"
	hub "github.com/dukerupert/housework/internal/websocket"
)

func setupServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, opts, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Hub().Close()
	})
	return srv, ts
}

func do(t *testing.T, method, url, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	_, ts := setupServer(t, Options{})

	resp := do(t, http.MethodGet, ts.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestHouseworkLifecycle(t *testing.T) {
	_, ts := setupServer(t, Options{})

	resp := do(t, http.MethodPost, ts.URL+"/api/houseworks", "application/json",
		`{"task_name":"Vacuum","term":"weekly","point":"3","owner":"x"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decode[model.Housework](t, resp)
	if created.ID == 0 || created.TaskName != "Vacuum" || created.Point != "3" {
		t.Fatalf("created = %+v", created)
	}
	loc := resp.Header.Get("Location")

	resp = do(t, http.MethodPatch, ts.URL+loc, "application/x-www-form-urlencoded", "point=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}
	patched := decode[model.Housework](t, resp)
	if patched.TaskName != "Vacuum" || patched.Term != "weekly" || patched.Point != "10" {
		t.Errorf("patched = %+v", patched)
	}

	resp = do(t, http.MethodPut, ts.URL+loc, "application/json", `{"task_name":"Mop"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}
	replaced := decode[model.Housework](t, resp)
	if replaced.TaskName != "Mop" || replaced.Term != "" || replaced.Point != "" {
		t.Errorf("replaced = %+v", replaced)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/houseworks?q=mop", "", "")
	if resp.Header.Get("X-Total-Count") != "1" {
		t.Errorf("X-Total-Count = %q, want 1", resp.Header.Get("X-Total-Count"))
	}
	list := decode[[]model.Housework](t, resp)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	resp = do(t, http.MethodDelete, ts.URL+loc, "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+loc, "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	_, ts := setupServer(t, Options{})

	for i := 0; i < writeLimit; i++ {
		resp := do(t, http.MethodPost, ts.URL+"/api/houseworks", "application/json", `{}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d status = %d, want 201", i, resp.StatusCode)
		}
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/houseworks", "application/json", `{}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}

	// Reads are not limited.
	resp = do(t, http.MethodGet, ts.URL+"/api/houseworks", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateBroadcastsOverWebSocket(t *testing.T) {
	srv, ts := setupServer(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/houseworks", "application/json", `{"task_name":"Laundry"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg hub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "housework_created" || msg.ID == 0 {
		t.Errorf("message = %+v", msg)
	}
}

func TestBackupRoutes(t *testing.T) {
	_, ts := setupServer(t, Options{})

	resp := do(t, http.MethodGet, ts.URL+"/api/backups/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	st := decode[backup.Status](t, resp)
	if st.State != backup.StateDisabled {
		t.Errorf("state = %q, want disabled", st.State)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/backups", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("run status = %d, want 503", resp.StatusCode)
	}
}

func TestBackupStatusBroadcast(t *testing.T) {
	srv, ts := setupServer(t, Options{Backup: backup.Config{Passphrase: "secret", Dir: t.TempDir()}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/backups", "", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("run status = %d, want 201", resp.StatusCode)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string        `json:"type"`
		Data backup.Status `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "backup_status" {
		t.Errorf("type = %q, want backup_status", msg.Type)
	}
	if msg.Data.State != backup.StateRunning || !msg.Data.InProgress {
		t.Errorf("data = %+v, want running and in progress", msg.Data)
	}
	if msg.Data.Offsite {
		t.Error("offsite should be false without S3 config")
	}
}
