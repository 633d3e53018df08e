package model

import (
	"strings"
	"time"
)

// GenerateRequest is the body of POST /api/v1/generate
type GenerateRequest struct {
	Prompt            string   `json:"prompt" validate:"omitempty,max=4000"`
	NaturalLanguage   string   `json:"natural_language" validate:"omitempty,max=4000"`
	InitImage         string   `json:"init_image"`
	NegativePrompt    string   `json:"negative_prompt" validate:"omitempty,max=4000"`
	Width             *int     `json:"width" validate:"omitempty,min=64,max=2048"`
	Height            *int     `json:"height" validate:"omitempty,min=64,max=2048"`
	NumInferenceSteps *int     `json:"num_inference_steps" validate:"omitempty,min=1,max=150"`
	GuidanceScale     *float64 `json:"guidance_scale" validate:"omitempty,min=1,max=30"`
	Strength          *float64 `json:"strength" validate:"omitempty,min=0,max=1"`
	Scheduler         string   `json:"scheduler" validate:"omitempty,oneof=DPMSolverMultistepScheduler DDIMScheduler EulerDiscreteScheduler PNDMScheduler LMSDiscreteScheduler EulerAncestralDiscreteScheduler HeunDiscreteScheduler KDPM2DiscreteScheduler KDPM2AncestralDiscreteScheduler"`
	Seed              *int64   `json:"seed"`
	NumImages         *int     `json:"num_images" validate:"omitempty,min=1,max=10"`
	OutputFormat      string   `json:"output_format" validate:"omitempty,oneof=png jpg jpeg"`
	CallbackURL       string   `json:"callback_url" validate:"omitempty,http_url"`
}

// Generation defaults applied by GenerationParams.Normalize
const (
	DefaultWidth             = 512
	DefaultHeight            = 512
	DefaultInferenceSteps    = 30
	DefaultGuidanceScale     = 7.5
	DefaultStrength          = 0.75
	DefaultNumImages         = 1
	DefaultOutputFormat      = OutputFormatPNG
	MaxNumImages             = 10
	defaultDimensionMultiple = 8
)

// GenerationParams is the fully resolved parameter set handed to the job runner.
type GenerationParams struct {
	Prompt            string       `json:"prompt"`
	NegativePrompt    string       `json:"negativePrompt,omitempty"`
	InitImage         string       `json:"initImage,omitempty"`
	Width             int          `json:"width"`
	Height            int          `json:"height"`
	NumInferenceSteps int          `json:"numInferenceSteps"`
	GuidanceScale     float64      `json:"guidanceScale"`
	Strength          float64      `json:"strength"`
	Scheduler         string       `json:"scheduler,omitempty"`
	Seed              *int64       `json:"seed,omitempty"`
	NumImages         int          `json:"numImages"`
	OutputFormat      OutputFormat `json:"outputFormat"`
	CallbackURL       string       `json:"callbackUrl,omitempty"`
}

// Params copies the request into a GenerationParams. The prompt fields are
// taken verbatim; prompt translation happens before this call.
func (r *GenerateRequest) Params() GenerationParams {
	p := GenerationParams{
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		InitImage:      r.InitImage,
		Scheduler:      r.Scheduler,
		Seed:           r.Seed,
		OutputFormat:   OutputFormat(strings.ToLower(r.OutputFormat)),
		CallbackURL:    strings.TrimSpace(r.CallbackURL),
	}
	if r.Width != nil {
		p.Width = *r.Width
	}
	if r.Height != nil {
		p.Height = *r.Height
	}
	if r.NumInferenceSteps != nil {
		p.NumInferenceSteps = *r.NumInferenceSteps
	}
	if r.GuidanceScale != nil {
		p.GuidanceScale = *r.GuidanceScale
	}
	if r.Strength != nil {
		p.Strength = *r.Strength
	} else {
		p.Strength = -1
	}
	if r.NumImages != nil {
		p.NumImages = *r.NumImages
	}
	return p
}

// Normalize resolves every unset field to its default. It is idempotent.
func (p *GenerationParams) Normalize(defaultScheduler string) {
	if p.Width <= 0 {
		p.Width = DefaultWidth
	}
	if p.Height <= 0 {
		p.Height = DefaultHeight
	}
	p.Width -= p.Width % defaultDimensionMultiple
	p.Height -= p.Height % defaultDimensionMultiple
	if p.NumInferenceSteps <= 0 {
		p.NumInferenceSteps = DefaultInferenceSteps
	}
	if p.GuidanceScale <= 0 {
		p.GuidanceScale = DefaultGuidanceScale
	}
	if p.Strength < 0 || p.Strength > 1 {
		p.Strength = DefaultStrength
	}
	if p.Scheduler == "" {
		p.Scheduler = defaultScheduler
	}
	if p.NumImages <= 0 {
		p.NumImages = DefaultNumImages
	}
	if p.NumImages > MaxNumImages {
		p.NumImages = MaxNumImages
	}
	switch p.OutputFormat {
	case OutputFormatPNG, OutputFormatJPG, OutputFormatJPEG:
	default:
		p.OutputFormat = DefaultOutputFormat
	}
	p.CallbackURL = strings.TrimSpace(p.CallbackURL)
}

// Mode reports which engine mode the parameters select.
func (p *GenerationParams) Mode() GenerationMode {
	return ModeFor(p.InitImage)
}

// GenerateResponse is returned once a task has been accepted
type GenerateResponse struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
}

// TaskStatusResponse is the polling view of a task
type TaskStatusResponse struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	ResultURL      *string    `json:"result_url"`
	ResultURLs     []string   `json:"result_urls"`
	ErrorMessage   *string    `json:"error_message"`
	Prompt         *string    `json:"prompt"`
	NegativePrompt *string    `json:"negative_prompt"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskListResponse wraps a recency-ordered task list
type TaskListResponse struct {
	Tasks []TaskStatusResponse `json:"tasks"`
	Total int                  `json:"total"`
}

// NewTaskStatusResponse builds the polling view from a stored task.
func NewTaskStatusResponse(t *Task) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:         t.TaskID,
		Status:         t.Status,
		ResultURL:      t.ResultURL,
		ResultURLs:     t.ResultURLs,
		ErrorMessage:   t.ErrorMessage,
		Prompt:         t.Prompt,
		NegativePrompt: t.NegativePrompt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}
