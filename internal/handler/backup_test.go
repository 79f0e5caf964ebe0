package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/housework/internal/backup"
	"github.com/dukerupert/housework/internal/database"
	"github.com/dukerupert/housework/internal/model"
	"github.com/dukerupert/housework/internal/store"
)

func setupBackupHandler(t *testing.T, passphrase string) *BackupHandler {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := backup.NewManager(backup.Config{Passphrase: passphrase, Dir: t.TempDir()}, db, store.NewBackupStore(db), nil, slog.Default())
	return NewBackupHandler(m, slog.Default())
}

func TestBackupRunDisabled(t *testing.T) {
	h := setupBackupHandler(t, "")

	rec := httptest.NewRecorder()
	h.Run(rec, httptest.NewRequest("POST", "/api/backups", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest("GET", "/api/backups/status", nil))
	var st backup.Status
	json.NewDecoder(rec.Body).Decode(&st)
	if st.State != backup.StateDisabled {
		t.Errorf("state = %q, want %q", st.State, backup.StateDisabled)
	}
}

func TestBackupRunAndList(t *testing.T) {
	h := setupBackupHandler(t, "secret")

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest("GET", "/api/backups", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("empty list = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Run(rec, httptest.NewRequest("POST", "/api/backups", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var b model.Backup
	json.NewDecoder(rec.Body).Decode(&b)
	if b.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want %q", b.Status, model.BackupStatusCompleted)
	}

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest("GET", "/api/backups", nil))
	var list []model.Backup
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("list = %+v", list)
	}
}
