package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukerupert/housework/internal/model"
	"github.com/dukerupert/housework/internal/store"
	"github.com/google/uuid"
)

var (
	ErrDisabled   = errors.New("backup disabled: no passphrase configured")
	ErrInProgress = errors.New("backup already in progress")
)

const (
	defaultInterval      = 24 * time.Hour
	defaultRetentionDays = 30
	defaultDir           = "backups"
	s3KeyPrefix          = "housework/"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Config holds backup manager configuration. Backups are disabled while
// Passphrase is empty; S3 upload is optional.
type Config struct {
	S3            S3Config
	Dir           string
	Passphrase    string
	Interval      time.Duration
	RetentionDays int
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
	Offsite    bool       `json:"offsite"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Manager takes encrypted snapshots of the database, keeps them on disk and
// optionally copies them to S3-compatible storage.
type Manager struct {
	mu       sync.RWMutex
	runMu    sync.Mutex
	cfg      Config
	status   Status
	callback StatusCallback
	logger   *slog.Logger

	db          *sql.DB
	backupStore *store.BackupStore
	client      s3Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new backup manager.
func NewManager(cfg Config, db *sql.DB, bs *store.BackupStore, callback StatusCallback, logger *slog.Logger) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:         cfg,
		db:          db,
		backupStore: bs,
		callback:    callback,
		logger:      logger,
		status:      Status{State: StateDisabled},
	}

	if cfg.Passphrase != "" {
		m.status.State = StateIdle
	}
	if bs != nil {
		if last, err := bs.LatestCompleted(); err != nil {
			logger.Warn("load latest backup", "error", err)
		} else if last != nil && last.CompletedAt != nil {
			m.status.LastBackup = last.CompletedAt
		}
	}
	if cfg.S3.configured() {
		m.client = newS3Client(cfg.S3)
		m.status.Offsite = true
	}

	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start begins the scheduled backup loop. It is a no-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State == StateDisabled || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	m.logger.Info("backup scheduler started", "interval", interval, "offsite", m.client != nil)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

// Stop gracefully stops the backup loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) scheduled(ctx context.Context) {
	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup cleanup failed", "error", err)
	}
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	s.Offsite = m.client != nil
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// RunNow takes a backup immediately. Only one backup runs at a time.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	if m.Status().State == StateDisabled {
		return nil, ErrDisabled
	}
	if !m.runMu.TryLock() {
		return nil, ErrInProgress
	}
	defer m.runMu.Unlock()

	return m.runBackup(ctx)
}

func (m *Manager) runBackup(ctx context.Context) (*model.Backup, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	dir := m.cfg.Dir
	passphrase := m.cfg.Passphrase
	m.mu.RUnlock()

	m.setStatus(Status{State: StateRunning, InProgress: true})

	timestamp := time.Now().UTC().Format("2006-01-02T150405Z")
	filename := fmt.Sprintf("housework-%s-%s.db.enc", timestamp, uuid.NewString()[:8])

	record, err := m.backupStore.Create(filename, "")
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, m.fail(record.ID, fmt.Errorf("create backup dir: %w", err))
	}

	snapshot := filepath.Join(dir, strings.TrimSuffix(filename, ".enc")+".tmp")
	encPath := filepath.Join(dir, filename)
	defer os.Remove(snapshot)

	// VACUUM INTO writes a consistent copy without blocking writers for long.
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(snapshot)); err != nil {
		return nil, m.fail(record.ID, fmt.Errorf("snapshot database: %w", err))
	}

	size, err := EncryptFile(snapshot, encPath, passphrase)
	if err != nil {
		os.Remove(encPath)
		return nil, m.fail(record.ID, fmt.Errorf("encrypt: %w", err))
	}

	var s3Key string
	if client != nil {
		if err := m.backupStore.UpdateStatus(record.ID, model.BackupStatusUploading, ""); err != nil {
			m.logger.Error("record backup uploading", "id", record.ID, "error", err)
		}

		f, err := os.Open(encPath)
		if err != nil {
			return nil, m.fail(record.ID, fmt.Errorf("open encrypted file: %w", err))
		}
		defer f.Close()

		s3Key = s3KeyPrefix + filename
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(s3Key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return nil, m.fail(record.ID, fmt.Errorf("upload to s3: %w", err))
		}
	}

	if err := m.backupStore.UpdateCompleted(record.ID, size, s3Key); err != nil {
		return nil, m.fail(record.ID, err)
	}

	now := time.Now().UTC()
	m.setStatus(Status{State: StateIdle, LastBackup: &now})
	done, err := m.backupStore.GetByID(record.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("backup completed", "filename", filename, "size_bytes", size, "s3_key", s3Key, "duration", done.Duration())
	return done, nil
}

func (m *Manager) fail(id int64, err error) error {
	if uerr := m.backupStore.UpdateStatus(id, model.BackupStatusFailed, err.Error()); uerr != nil {
		m.logger.Error("record backup failure", "id", id, "error", uerr)
	}
	m.setStatus(Status{State: StateError, Error: err.Error()})
	return err
}

// Cleanup deletes backups older than the retention period, locally and in S3.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	dir := m.cfg.Dir
	retentionDays := m.cfg.RetentionDays
	m.mu.RUnlock()

	before := time.Now().UTC().AddDate(0, 0, -retentionDays)
	old, err := m.backupStore.DeleteOlderThan(before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}

	for _, b := range old {
		if err := os.Remove(filepath.Join(dir, b.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("remove backup file", "filename", b.Filename, "error", err)
		}
		if !b.Offsite() || client == nil {
			continue
		}
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(b.S3Key),
		}); err != nil {
			m.logger.Warn("delete s3 object", "key", b.S3Key, "error", err)
		}
	}

	if len(old) > 0 {
		m.logger.Info("old backups removed", "count", len(old), "before", before)
	}
	return nil
}

// List returns the most recent backup records.
func (m *Manager) List(limit int) ([]model.Backup, error) {
	return m.backupStore.List(limit)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
