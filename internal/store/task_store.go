package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

// Open opens (or creates) the SQLite task database at path and migrates the schema.
// The pool is limited to one connection so every write is serialized.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log.Default(), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.Task{}); err != nil {
		return nil, fmt.Errorf("failed to migrate task schema: %w", err)
	}

	return db, nil
}

// TaskStore persists tasks, one row per task_id.
type TaskStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Insert writes a new row. Timestamps default to now when unset.
func (s *TaskStore) Insert(ctx context.Context, task *model.Task) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() || task.UpdatedAt.Before(task.CreatedAt) {
		task.UpdatedAt = task.CreatedAt
	}

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		if isUniqueConstraintError(err) {
			return model.ErrDuplicateTask
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, taskID string) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// List returns tasks newest first, optionally filtered by status.
func (s *TaskStore) List(ctx context.Context, status *model.TaskStatus) ([]model.Task, error) {
	q := s.db.WithContext(ctx).Model(&model.Task{})
	if status != nil {
		q = q.Where("status = ?", *status)
	}

	var tasks []model.Task
	if err := q.Order("created_at DESC").Order("task_id DESC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Transition moves a task to next and applies mutate to the row before saving.
// The read, the state machine check and the guarded update share one transaction;
// a terminal or otherwise illegal transition leaves the row untouched.
func (s *TaskStore) Transition(ctx context.Context, taskID string, next model.TaskStatus, mutate func(*model.Task)) (*model.Task, error) {
	var task model.Task

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", taskID).First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrTaskNotFound
			}
			return err
		}

		prev := task.Status
		if !prev.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, prev, next)
		}

		task.Status = next
		task.UpdatedAt = nextTimestamp(s.now(), task.UpdatedAt)
		if mutate != nil {
			mutate(&task)
		}

		res := tx.Model(&task).
			Where("status = ?", prev).
			Select("status", "updated_at", "result_url", "result_urls", "error_message").
			Updates(&task)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: %s changed concurrently", model.ErrInvalidTransition, taskID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) || errors.Is(err, model.ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	return &task, nil
}

func (s *TaskStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// nextTimestamp keeps updated_at strictly increasing even when the clock
// has not advanced since the previous write.
func nextTimestamp(now, prev time.Time) time.Time {
	floor := prev.Add(time.Microsecond)
	if now.Before(floor) {
		return floor.UTC()
	}
	return now.UTC()
}

func isUniqueConstraintError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
