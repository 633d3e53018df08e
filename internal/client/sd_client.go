package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

// samplerNames maps scheduler names accepted by the API to WebUI sampler names
var samplerNames = map[string]string{
	model.SchedulerDPMSolverMultistep: "DPM++ 2M",
	model.SchedulerDDIM:               "DDIM",
	model.SchedulerEulerDiscrete:      "Euler",
	model.SchedulerPNDM:               "PLMS",
	model.SchedulerLMSDiscrete:        "LMS",
	model.SchedulerEulerAncestral:     "Euler a",
	model.SchedulerHeunDiscrete:       "Heun",
	model.SchedulerKDPM2Discrete:      "DPM2",
	model.SchedulerKDPM2Ancestral:     "DPM2 a",
}

// SDClient implements ImageEngine against a Stable Diffusion WebUI compatible HTTP API
type SDClient struct {
	httpClient *http.Client
	baseURL    string
	modelPath  string
	loras      []config.LoraModel
	loaded     atomic.Bool
}

type sdGenerateRequest struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	InitImages        []string `json:"init_images,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength,omitempty"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Steps             int      `json:"steps"`
	CfgScale          float64  `json:"cfg_scale"`
	SamplerName       string   `json:"sampler_name,omitempty"`
	Seed              int64    `json:"seed"`
	BatchSize         int      `json:"batch_size"`
	NIter             int      `json:"n_iter"`
}

type sdGenerateResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

type sdErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Errors string `json:"errors"`
}

// NewSDClient creates a new engine client. A zero timeout leaves generation unbounded.
func NewSDClient(cfg *config.EngineConfig) *SDClient {
	return &SDClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		modelPath: cfg.ModelPath,
		loras:     cfg.LoraModels,
	}
}

// Generate runs txt2img or img2img and returns the decoded images in engine order
func (c *SDClient) Generate(ctx context.Context, req *EngineRequest) ([]EngineImage, error) {
	body := sdGenerateRequest{
		Prompt:         c.withLoraTags(req.Prompt),
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.NumInferenceSteps,
		CfgScale:       req.GuidanceScale,
		SamplerName:    samplerNames[req.Scheduler],
		Seed:           -1,
		BatchSize:      req.NumImages,
		NIter:          1,
	}
	if req.Seed != nil {
		body.Seed = *req.Seed
	}

	endpoint := "/sdapi/v1/txt2img"
	if req.Mode == model.ModeImageToImage {
		endpoint = "/sdapi/v1/img2img"
		body.InitImages = []string{strings.TrimSpace(req.InitImage)}
		body.DenoisingStrength = req.Strength
	}

	var result sdGenerateResponse
	if err := c.post(ctx, endpoint, body, &result); err != nil {
		return nil, err
	}
	c.loaded.Store(true)

	images := make([]EngineImage, 0, len(result.Images))
	for i, encoded := range result.Images {
		data, err := base64.StdEncoding.DecodeString(stripDataURI(encoded))
		if err != nil {
			return nil, &EngineError{Message: fmt.Sprintf("engine returned undecodable image %d: %v", i, err)}
		}
		images = append(images, EngineImage{Data: data, Format: "png"})
	}
	return images, nil
}

// Warmup loads the configured checkpoint so the first request does not pay for it
func (c *SDClient) Warmup(ctx context.Context) error {
	if c.modelPath != "" {
		opts := map[string]string{"sd_model_checkpoint": c.modelPath}
		if err := c.post(ctx, "/sdapi/v1/options", opts, nil); err != nil {
			return fmt.Errorf("failed to select checkpoint: %w", err)
		}
	}
	if err := c.post(ctx, "/sdapi/v1/reload-checkpoint", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	c.loaded.Store(true)
	return nil
}

func (c *SDClient) Loaded() bool {
	return c.loaded.Load()
}

// Close unloads the checkpoint, freeing device memory on the engine host
func (c *SDClient) Close() error {
	defer c.httpClient.CloseIdleConnections()
	if !c.loaded.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.post(ctx, "/sdapi/v1/unload-checkpoint", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to unload checkpoint: %w", err)
	}
	c.loaded.Store(false)
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SDClient) IsConfigured() bool {
	return c.baseURL != ""
}

// withLoraTags appends WebUI LoRA activation tags for every configured model
func (c *SDClient) withLoraTags(prompt string) string {
	if len(c.loras) == 0 {
		return prompt
	}
	tags := make([]string, 0, len(c.loras))
	for _, lora := range c.loras {
		name := strings.TrimSuffix(filepath.Base(lora.Path), filepath.Ext(lora.Path))
		if name == "" || name == "." {
			continue
		}
		tags = append(tags, fmt.Sprintf("<lora:%s:%g>", name, lora.Weight))
	}
	if len(tags) == 0 {
		return prompt
	}
	return prompt + " " + strings.Join(tags, " ")
}

// post sends a POST request with JSON body; result may be nil
func (c *SDClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[SD Engine] → %s %s", req.Method, endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[SD Engine] ✗ %s %s: %v", req.Method, endpoint, err)
		return &EngineError{Message: fmt.Sprintf("engine unavailable: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &EngineError{Message: fmt.Sprintf("failed to read engine response: %v", err)}
	}

	log.Printf("[SD Engine] ← %d %s %s (%d bytes)", resp.StatusCode, req.Method, endpoint, len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &EngineError{Message: fmt.Sprintf("engine error (status %d): %s", resp.StatusCode, engineErrorDetail(respBody))}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &EngineError{Message: fmt.Sprintf("failed to unmarshal engine response: %v", err)}
	}
	return nil
}

func engineErrorDetail(body []byte) string {
	var e sdErrorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		for _, s := range []string{e.Errors, e.Detail, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// stripDataURI removes a "data:image/png;base64," style prefix
func stripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i != -1 {
			return s[i+1:]
		}
	}
	return s
}
