package model

// TaskTypeGenerate is the asynq task type for image generation jobs
const TaskTypeGenerate = "image:generate"

// GenerateJobPayload is the queued form of a generation job
type GenerateJobPayload struct {
	TaskID string           `json:"taskId"`
	Params GenerationParams `json:"params"`
}
