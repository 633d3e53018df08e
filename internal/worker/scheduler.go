package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

const (
	QueueImage    = "image"
	taskRetention = 24 * time.Hour
)

var (
	ErrQueueFull       = errors.New("job queue is full")
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

// Runner executes one task to completion
type Runner interface {
	Run(ctx context.Context, taskID string, params model.GenerationParams) error
}

// Scheduler hands tasks to background execution
type Scheduler interface {
	Schedule(ctx context.Context, taskID string, params model.GenerationParams) error
	Shutdown(ctx context.Context) error
}

type job struct {
	taskID string
	params model.GenerationParams
}

// LocalScheduler is an in-process pool of workers fed by a bounded queue.
// Jobs run detached from the request that scheduled them.
type LocalScheduler struct {
	runner Runner
	jobs   chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewLocalScheduler(runner Runner, workers, queueSize int) *LocalScheduler {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	s := &LocalScheduler{
		runner: runner,
		jobs:   make(chan job, queueSize),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

// Schedule enqueues the task without blocking
func (s *LocalScheduler) Schedule(ctx context.Context, taskID string, params model.GenerationParams) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	select {
	case s.jobs <- job{taskID: taskID, params: params}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish
func (s *LocalScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown interrupted: %w", ctx.Err())
	}
}

func (s *LocalScheduler) loop() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.runJob(j)
	}
}

func (s *LocalScheduler) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job for task %s panicked: %v", j.taskID, r)
		}
	}()

	if err := s.runner.Run(context.Background(), j.taskID, j.params); err != nil {
		log.Printf("Job for task %s aborted: %v", j.taskID, err)
	}
}

// AsynqScheduler enqueues tasks on Redis for an asynq worker server
type AsynqScheduler struct {
	client *asynq.Client
}

func NewAsynqScheduler(client *asynq.Client) *AsynqScheduler {
	return &AsynqScheduler{client: client}
}

func NewGenerateTask(taskID string, params model.GenerationParams) (*asynq.Task, error) {
	payload, err := json.Marshal(model.GenerateJobPayload{TaskID: taskID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(model.TaskTypeGenerate, payload), nil
}

// Schedule enqueues the task. Engine failures are final, so there are no retries.
func (s *AsynqScheduler) Schedule(ctx context.Context, taskID string, params model.GenerationParams) error {
	task, err := NewGenerateTask(taskID, params)
	if err != nil {
		return err
	}

	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueImage),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (s *AsynqScheduler) Shutdown(ctx context.Context) error {
	return s.client.Close()
}

// NewServer builds the asynq worker server for the image queue
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logLevel string) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueImage: 1,
		},
		LogLevel: asynqLogLevel(logLevel),
	})
}

// NewServeMux routes image:generate tasks to the worker
func NewServeMux(w *GenerateWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(model.TaskTypeGenerate, w.ProcessTask)
	return mux
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
