package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

const acceptedMessage = "Task created and queued for processing"

var (
	ErrPromptRequired    = errors.New("prompt or natural_language is required")
	ErrPromptTranslation = errors.New("natural language translation failed")
	ErrScheduleFailed    = errors.New("task could not be scheduled")
)

// JobScheduler hands a task off to background execution without blocking
type JobScheduler interface {
	Schedule(ctx context.Context, taskID string, params model.GenerationParams) error
}

// GenerateService is the API-facing entry point for generation tasks
type GenerateService struct {
	tasks            *TaskService
	prompts          PromptTranslator
	scheduler        JobScheduler
	defaultScheduler string
}

func NewGenerateService(tasks *TaskService, prompts PromptTranslator, scheduler JobScheduler, defaultScheduler string) *GenerateService {
	return &GenerateService{
		tasks:            tasks,
		prompts:          prompts,
		scheduler:        scheduler,
		defaultScheduler: defaultScheduler,
	}
}

// CreateTask commits a pending task and returns its id
func (s *GenerateService) CreateTask(ctx context.Context, callbackURL, prompt, negativePrompt string) (string, error) {
	task, err := s.tasks.Create(ctx, CreateTaskInput{
		CallbackURL:    callbackURL,
		Prompt:         prompt,
		NegativePrompt: negativePrompt,
	})
	if err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// Schedule hands the task to the job runner
func (s *GenerateService) Schedule(ctx context.Context, taskID string, params model.GenerationParams) error {
	if err := s.scheduler.Schedule(ctx, taskID, params); err != nil {
		return fmt.Errorf("%w: %w", ErrScheduleFailed, err)
	}
	return nil
}

func (s *GenerateService) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

func (s *GenerateService) ListTasks(ctx context.Context, status *model.TaskStatus) ([]model.Task, error) {
	return s.tasks.List(ctx, status)
}

// Submit resolves the request, creates the task and schedules it.
// Validation and translation failures happen before any task exists.
func (s *GenerateService) Submit(ctx context.Context, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	params := req.Params()
	params.Normalize(s.defaultScheduler)

	if params.CallbackURL != "" {
		if err := ValidateCallbackURL(params.CallbackURL); err != nil {
			return nil, err
		}
	}

	if err := s.resolvePrompt(ctx, req, &params); err != nil {
		return nil, err
	}

	taskID, err := s.CreateTask(ctx, params.CallbackURL, params.Prompt, params.NegativePrompt)
	if err != nil {
		return nil, err
	}

	if err := s.Schedule(ctx, taskID, params); err != nil {
		s.failUnscheduled(ctx, taskID, err)
		return nil, err
	}

	log.Printf("Task %s scheduled (%s, %d image(s))", taskID, params.Mode(), params.NumImages)

	return &model.GenerateResponse{
		TaskID:  taskID,
		Status:  model.TaskStatusPending,
		Message: acceptedMessage,
	}, nil
}

// resolvePrompt fills params.Prompt. A natural language description is always
// translated; explicit prompt and negative_prompt values win over the result.
func (s *GenerateService) resolvePrompt(ctx context.Context, req *model.GenerateRequest, params *model.GenerationParams) error {
	if strings.TrimSpace(req.NaturalLanguage) == "" {
		if strings.TrimSpace(req.Prompt) == "" {
			return ErrPromptRequired
		}
		return nil
	}

	if s.prompts == nil || !s.prompts.IsConfigured() {
		return ErrLLMNotConfigured
	}

	prompt, negative, err := s.prompts.Translate(ctx, req.NaturalLanguage, params.Mode())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPromptTranslation, err)
	}

	if strings.TrimSpace(params.Prompt) == "" {
		params.Prompt = prompt
	}
	if strings.TrimSpace(params.NegativePrompt) == "" {
		params.NegativePrompt = negative
	}
	return nil
}

// failUnscheduled walks a task that could not be scheduled through
// processing to failed so it is never left pending.
func (s *GenerateService) failUnscheduled(ctx context.Context, taskID string, cause error) {
	if _, err := s.tasks.MarkProcessing(ctx, taskID); err != nil {
		log.Printf("Task %s could not be failed after scheduling error: %v", taskID, err)
		return
	}
	if _, err := s.tasks.Fail(ctx, taskID, cause.Error()); err != nil {
		log.Printf("Task %s could not be failed after scheduling error: %v", taskID, err)
	}
}
