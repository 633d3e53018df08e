package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
	"github.com/liyuwei007036/yunjin-sd-api/internal/service"
)

const tracerName = "github.com/liyuwei007036/yunjin-sd-api/internal/worker"

// Services resolves the shared heavy resources a job needs
type Services interface {
	Engine(ctx context.Context) (client.ImageEngine, error)
	Callbacks() *service.CallbackService
}

// ImageUploader stores generated images and returns their URLs in order
type ImageUploader interface {
	UploadImages(ctx context.Context, images []client.EngineImage, format model.OutputFormat) ([]string, error)
}

// Notifier pushes task events to live subscribers
type Notifier interface {
	BroadcastStatus(taskID string, status model.TaskStatus, step string)
	BroadcastComplete(taskID string, artifact model.Artifact)
	BroadcastError(taskID string, code, message string)
}

// stepOutcome is the result of the generation steps: an artifact or a failure message
type stepOutcome struct {
	artifact model.Artifact
	failure  string
}

func succeeded(a model.Artifact) stepOutcome { return stepOutcome{artifact: a} }

func failed(format string, args ...interface{}) stepOutcome {
	return stepOutcome{failure: fmt.Sprintf(format, args...)}
}

func (o stepOutcome) ok() bool { return o.failure == "" }

// GenerateWorker runs one generation task from processing to a terminal state
type GenerateWorker struct {
	tasks        *service.TaskService
	services     Services
	uploads      ImageUploader
	notifier     Notifier
	triggerTerms []string
	tracer       trace.Tracer

	callbacks sync.WaitGroup
}

func NewGenerateWorker(tasks *service.TaskService, services Services, uploads ImageUploader, notifier Notifier, triggerTerms []string) *GenerateWorker {
	return &GenerateWorker{
		tasks:        tasks,
		services:     services,
		uploads:      uploads,
		notifier:     notifier,
		triggerTerms: triggerTerms,
		tracer:       otel.Tracer(tracerName),
	}
}

// ProcessTask is the asynq handler for image:generate
func (w *GenerateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.GenerateJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	return w.Run(ctx, payload.TaskID, payload.Params)
}

// Run executes the task. A generation failure is recorded on the task and
// is not returned; only failures to record state are.
func (w *GenerateWorker) Run(ctx context.Context, taskID string, params model.GenerationParams) error {
	ctx, span := w.tracer.Start(ctx, "generate.run", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("generate.mode", string(params.Mode())),
		attribute.Int("generate.num_images", params.NumImages),
	))
	defer span.End()

	if _, err := w.tasks.MarkProcessing(ctx, taskID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark processing")
		return err
	}
	log.Printf("Starting generation task %s (%s)", taskID, params.Mode())
	w.notifyStatus(taskID, model.TaskStatusProcessing, "generating")

	outcome := w.execute(ctx, taskID, params)

	if outcome.ok() {
		_, err := w.tasks.Complete(ctx, taskID, outcome.artifact)
		if err == nil {
			w.dispatchCallback(ctx, params.CallbackURL, service.CallbackRequest{
				TaskID:    taskID,
				Status:    model.CallbackStatusCompleted,
				ImageURL:  outcome.artifact.URL,
				ImageURLs: outcome.artifact.URLs,
			})
			if w.notifier != nil {
				w.notifier.BroadcastComplete(taskID, outcome.artifact)
			}
			return nil
		}
		if errors.Is(err, model.ErrInvalidTransition) {
			log.Printf("Task %s already terminal, result discarded: %v", taskID, err)
			return nil
		}
		outcome = failed("failed to save result: %v", err)
	}

	span.SetStatus(codes.Error, outcome.failure)
	if _, err := w.tasks.Fail(ctx, taskID, outcome.failure); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			log.Printf("Task %s already terminal, failure discarded: %v", taskID, err)
			return nil
		}
		span.RecordError(err)
		return err
	}

	w.dispatchCallback(ctx, params.CallbackURL, service.CallbackRequest{
		TaskID:       taskID,
		Status:       model.CallbackStatusFailed,
		ErrorMessage: outcome.failure,
	})
	if w.notifier != nil {
		w.notifier.BroadcastError(taskID, model.WSErrorGenerationFailed, outcome.failure)
	}
	return nil
}

// execute runs the generation and upload steps inside a recover boundary
func (w *GenerateWorker) execute(ctx context.Context, taskID string, params model.GenerationParams) (outcome stepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Generation task %s panicked: %v", taskID, r)
			outcome = failed("internal error: %v", r)
		}
	}()

	prompt := service.ApplyTriggerTerms(params.Prompt, w.triggerTerms)

	images, err := w.generate(ctx, prompt, &params)
	if err != nil {
		return failed("%s", err.Error())
	}

	images, err = normalizeImages(images, params.NumImages)
	if err != nil {
		return failed("%s", err.Error())
	}

	w.notifyStatus(taskID, model.TaskStatusProcessing, "uploading")

	urls, err := w.upload(ctx, images, params.OutputFormat)
	if err != nil {
		return failed("%s", err.Error())
	}

	if params.NumImages == 1 {
		return succeeded(model.SingleArtifact(urls[0]))
	}
	return succeeded(model.ListArtifact(urls))
}

func (w *GenerateWorker) generate(ctx context.Context, prompt string, params *model.GenerationParams) ([]client.EngineImage, error) {
	ctx, span := w.tracer.Start(ctx, "generate.engine")
	defer span.End()

	engine, err := w.services.Engine(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	images, err := engine.Generate(ctx, client.NewEngineRequest(prompt, params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine error")
		return nil, err
	}
	span.SetAttributes(attribute.Int("generate.images_returned", len(images)))
	return images, nil
}

func (w *GenerateWorker) upload(ctx context.Context, images []client.EngineImage, format model.OutputFormat) ([]string, error) {
	ctx, span := w.tracer.Start(ctx, "generate.upload", trace.WithAttributes(
		attribute.String("upload.format", string(format)),
	))
	defer span.End()

	urls, err := w.uploads.UploadImages(ctx, images, format)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload error")
	}
	return urls, err
}

// dispatchCallback sends the webhook on a detached goroutine after the
// terminal write has committed
func (w *GenerateWorker) dispatchCallback(ctx context.Context, callbackURL string, req service.CallbackRequest) {
	if callbackURL == "" {
		return
	}
	req.URL = callbackURL

	callbacks := w.services.Callbacks()
	detached := trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx))

	w.callbacks.Add(1)
	go func() {
		defer w.callbacks.Done()
		cbCtx, span := w.tracer.Start(detached, "generate.callback", trace.WithAttributes(
			attribute.String("callback.status", req.Status),
		))
		defer span.End()
		callbacks.Send(cbCtx, req)
	}()
}

// Wait blocks until every callback dispatched so far has finished
func (w *GenerateWorker) Wait() {
	w.callbacks.Wait()
}

func (w *GenerateWorker) notifyStatus(taskID string, status model.TaskStatus, step string) {
	if w.notifier != nil {
		w.notifier.BroadcastStatus(taskID, status, step)
	}
}

// normalizeImages returns exactly n images. Surplus images are dropped;
// a shortfall is an error.
func normalizeImages(images []client.EngineImage, n int) ([]client.EngineImage, error) {
	if n < 1 {
		n = 1
	}
	if len(images) < n {
		return nil, fmt.Errorf("engine returned %d image(s), expected %d", len(images), n)
	}
	return images[:n], nil
}
