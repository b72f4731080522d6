// Package history keeps a per-shop audit trail of device runs in SQL.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Shop run outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ShopRun is one task attempt on one device.
type ShopRun struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID      string    `gorm:"size:64;not null;index" json:"run_id"`
	Serial     string    `gorm:"size:128;not null;index:idx_shop_runs_serial_started,priority:1" json:"serial"`
	TaskIndex  int       `gorm:"not null" json:"task_index"`
	Shop       string    `gorm:"size:255;not null" json:"shop"`
	Status     string    `gorm:"size:16;not null" json:"status"`
	Records    int       `gorm:"not null;default:0" json:"records"`
	ErrorType  string    `gorm:"size:32" json:"error_type,omitempty"`
	Message    string    `gorm:"type:text" json:"message,omitempty"`
	StartedAt  time.Time `gorm:"not null;index:idx_shop_runs_serial_started,priority:2" json:"started_at"`
	FinishedAt time.Time `gorm:"not null" json:"finished_at"`
}

// Recorder is the write side used by device workers.
type Recorder interface {
	RecordRun(ctx context.Context, run *ShopRun) error
}

// Store reads and writes shop runs.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and runs migrations. postgres:// and postgresql://
// URLs use PostgreSQL; anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("history: empty dsn")
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an open connection and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ShopRun{}); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordRun inserts run, filling FinishedAt when unset.
func (s *Store) RecordRun(ctx context.Context, run *ShopRun) error {
	if run == nil {
		return errors.New("history: nil run")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record shop run for %s: %w", run.Serial, err)
	}
	return nil
}

// ListRuns returns the newest runs first. An empty serial lists all devices.
func (s *Store) ListRuns(ctx context.Context, serial string, limit int) ([]ShopRun, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC").Limit(limit)
	if serial != "" {
		q = q.Where("serial = ?", serial)
	}
	var runs []ShopRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list shop runs: %w", err)
	}
	return runs, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
