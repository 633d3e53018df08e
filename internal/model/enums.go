package model

import "strings"

// Output formats
type OutputFormat string

const (
	OutputFormatPNG  OutputFormat = "png"
	OutputFormatJPG  OutputFormat = "jpg"
	OutputFormatJPEG OutputFormat = "jpeg"
)

// Extension returns the file extension, with jpeg folded into jpg.
func (f OutputFormat) Extension() string {
	if f == OutputFormatJPEG || f == OutputFormatJPG {
		return "jpg"
	}
	return "png"
}

// ContentType returns the MIME type used when storing the image.
func (f OutputFormat) ContentType() string {
	if f.Extension() == "jpg" {
		return "image/jpeg"
	}
	return "image/png"
}

// Generation modes
type GenerationMode string

const (
	ModeTextToImage  GenerationMode = "txt2img"
	ModeImageToImage GenerationMode = "img2img"
)

// ModeFor selects img2img only when an init image is actually present.
func ModeFor(initImage string) GenerationMode {
	if strings.TrimSpace(initImage) != "" {
		return ModeImageToImage
	}
	return ModeTextToImage
}

// Sampler / scheduler names accepted by the API
const (
	SchedulerDPMSolverMultistep = "DPMSolverMultistepScheduler"
	SchedulerDDIM               = "DDIMScheduler"
	SchedulerEulerDiscrete      = "EulerDiscreteScheduler"
	SchedulerPNDM               = "PNDMScheduler"
	SchedulerLMSDiscrete        = "LMSDiscreteScheduler"
	SchedulerEulerAncestral     = "EulerAncestralDiscreteScheduler"
	SchedulerHeunDiscrete       = "HeunDiscreteScheduler"
	SchedulerKDPM2Discrete      = "KDPM2DiscreteScheduler"
	SchedulerKDPM2Ancestral     = "KDPM2AncestralDiscreteScheduler"
)

var ValidSchedulers = []string{
	SchedulerDPMSolverMultistep, SchedulerDDIM, SchedulerEulerDiscrete,
	SchedulerPNDM, SchedulerLMSDiscrete, SchedulerEulerAncestral,
	SchedulerHeunDiscrete, SchedulerKDPM2Discrete, SchedulerKDPM2Ancestral,
}
