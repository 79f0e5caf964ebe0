package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/housework/internal/backup"
	"github.com/dukerupert/housework/internal/handler"
	"github.com/dukerupert/housework/internal/middleware"
	"github.com/dukerupert/housework/internal/store"
	ws "github.com/dukerupert/housework/internal/websocket"
)

const (
	writeLimit  = 60
	writeWindow = time.Minute
)

// Options carries the optional parts of the server.
type Options struct {
	Backup         backup.Config
	AllowedOrigins []string
}

type Server struct {
	db            *sql.DB
	hub           *ws.Hub
	houseworkH    *handler.HouseworkHandler
	backupH       *handler.BackupHandler
	backupManager *backup.Manager
	rateLimiter   *middleware.RateLimiter
	origins       []string
	logger        *slog.Logger
}

func New(db *sql.DB, opts Options, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	houseworkStore := store.NewHouseworkStore(db)
	backupStore := store.NewBackupStore(db)

	backupMgr := backup.NewManager(opts.Backup, db, backupStore, func(s backup.Status) {
		hub.Broadcast(ws.NewMessage("backup", "status", 0, s))
	}, logger.With("component", "backup"))

	return &Server{
		db:            db,
		hub:           hub,
		houseworkH:    handler.NewHouseworkHandler(houseworkStore, hub, logger.With("component", "housework")),
		backupH:       handler.NewBackupHandler(backupMgr, logger.With("component", "backup_handler")),
		backupManager: backupMgr,
		rateLimiter:   middleware.NewRateLimiter(),
		origins:       opts.AllowedOrigins,
		logger:        logger,
	}
}

// BackupManager returns the backup manager so the caller can start and stop it.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Housework API routes
	mux.HandleFunc("GET /api/houseworks", s.houseworkH.List)
	mux.HandleFunc("GET /api/houseworks/{id}", s.houseworkH.Get)
	mux.HandleFunc("POST /api/houseworks", s.rateLimitedHandler(s.houseworkH.Create))
	mux.HandleFunc("PUT /api/houseworks/{id}", s.rateLimitedHandler(s.houseworkH.Replace))
	mux.HandleFunc("PATCH /api/houseworks/{id}", s.rateLimitedHandler(s.houseworkH.Patch))
	mux.HandleFunc("DELETE /api/houseworks/{id}", s.rateLimitedHandler(s.houseworkH.Delete))

	// Backup API routes
	mux.HandleFunc("GET /api/backups", s.backupH.List)
	mux.HandleFunc("GET /api/backups/status", s.backupH.Status)
	mux.HandleFunc("POST /api/backups", s.backupH.Run)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket"), s.origins...))

	logged := middleware.RequestLogger(s.logger.With("component", "http"))(mux)
	return middleware.RequestID(logged)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP, writeLimit, writeWindow)(h)
	return rl.ServeHTTP
}
