package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

const unknownErrorMessage = "unknown error"

// TaskStore is the persistence contract the lifecycle manager relies on
type TaskStore interface {
	Insert(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, taskID string) (*model.Task, error)
	List(ctx context.Context, status *model.TaskStatus) ([]model.Task, error)
	Transition(ctx context.Context, taskID string, next model.TaskStatus, mutate func(*model.Task)) (*model.Task, error)
}

// CreateTaskInput holds the caller-supplied fields of a new task
type CreateTaskInput struct {
	TaskID         string
	CallbackURL    string
	Prompt         string
	NegativePrompt string
}

// TaskService owns the task lifecycle: pending -> processing -> completed | failed
type TaskService struct {
	store TaskStore
}

func NewTaskService(store TaskStore) *TaskService {
	return &TaskService{store: store}
}

// Create inserts a pending task. An empty TaskID gets a fresh UUID.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) (*model.Task, error) {
	id := in.TaskID
	if id == "" {
		id = uuid.New().String()
	}

	task := &model.Task{
		TaskID:         id,
		Status:         model.TaskStatusPending,
		CallbackURL:    optional(in.CallbackURL),
		Prompt:         optional(in.Prompt),
		NegativePrompt: optional(in.NegativePrompt),
	}

	if err := s.store.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	log.Printf("Task %s created", id)
	return task, nil
}

func (s *TaskService) MarkProcessing(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := s.store.Transition(ctx, taskID, model.TaskStatusProcessing, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to mark task processing: %w", err)
	}
	return task, nil
}

// Complete records the artifact. Exactly one of result_url and result_urls is set.
func (s *TaskService) Complete(ctx context.Context, taskID string, artifact model.Artifact) (*model.Task, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	task, err := s.store.Transition(ctx, taskID, model.TaskStatusCompleted, func(t *model.Task) {
		if artifact.IsList() {
			t.ResultURL = nil
			t.ResultURLs = append([]string(nil), artifact.URLs...)
		} else {
			t.ResultURL = model.StringPtr(artifact.URL)
			t.ResultURLs = nil
		}
		t.ErrorMessage = nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	log.Printf("Task %s completed", taskID)
	return task, nil
}

// Fail records a failure. A blank message is stored as "unknown error".
func (s *TaskService) Fail(ctx context.Context, taskID string, message string) (*model.Task, error) {
	if strings.TrimSpace(message) == "" {
		message = unknownErrorMessage
	}

	task, err := s.store.Transition(ctx, taskID, model.TaskStatusFailed, func(t *model.Task) {
		t.ErrorMessage = model.StringPtr(message)
		t.ResultURL = nil
		t.ResultURLs = nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark task failed: %w", err)
	}

	log.Printf("Task %s failed: %s", taskID, message)
	return task, nil
}

func (s *TaskService) Get(ctx context.Context, taskID string) (*model.Task, error) {
	return s.store.Get(ctx, taskID)
}

// List returns tasks newest first, optionally filtered by status
func (s *TaskService) List(ctx context.Context, status *model.TaskStatus) ([]model.Task, error) {
	return s.store.List(ctx, status)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return model.StringPtr(s)
}
