package client

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

// ImageEngine defines the operations of an image generation backend
type ImageEngine interface {
	Generate(ctx context.Context, req *EngineRequest) ([]EngineImage, error)
	Warmup(ctx context.Context) error
	Loaded() bool
	Close() error
}

// EngineRequest is one generation call
type EngineRequest struct {
	Mode              model.GenerationMode
	Prompt            string
	NegativePrompt    string
	InitImage         string // base64, img2img only
	Width             int
	Height            int
	NumInferenceSteps int
	GuidanceScale     float64
	Strength          float64
	Scheduler         string
	Seed              *int64
	NumImages         int
}

// NewEngineRequest maps resolved generation parameters onto an engine call.
func NewEngineRequest(prompt string, p *model.GenerationParams) *EngineRequest {
	return &EngineRequest{
		Mode:              p.Mode(),
		Prompt:            prompt,
		NegativePrompt:    p.NegativePrompt,
		InitImage:         p.InitImage,
		Width:             p.Width,
		Height:            p.Height,
		NumInferenceSteps: p.NumInferenceSteps,
		GuidanceScale:     p.GuidanceScale,
		Strength:          p.Strength,
		Scheduler:         p.Scheduler,
		Seed:              p.Seed,
		NumImages:         p.NumImages,
	}
}

// EngineImage is one encoded raster image produced by the engine
type EngineImage struct {
	Data   []byte
	Format string // "png" unless the engine says otherwise
}

// EngineError is a generation failure reported by the engine itself
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}

// GatedEngine bounds the number of concurrent Generate calls on a shared engine.
// With a limit of 1 every generation is serialized.
type GatedEngine struct {
	ImageEngine
	sem *semaphore.Weighted
}

func NewGatedEngine(engine ImageEngine, maxConcurrent int) *GatedEngine {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &GatedEngine{
		ImageEngine: engine,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (g *GatedEngine) Generate(ctx context.Context, req *EngineRequest) ([]EngineImage, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire engine slot: %w", err)
	}
	defer g.sem.Release(1)

	return g.ImageEngine.Generate(ctx, req)
}

func (g *GatedEngine) Warmup(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire engine slot: %w", err)
	}
	defer g.sem.Release(1)

	return g.ImageEngine.Warmup(ctx)
}
