package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

var ErrLLMNotConfigured = errors.New("prompt translation is not configured")

const defaultNegativePrompt = "lowres, bad anatomy, bad hands, text, error, missing fingers, extra digit, fewer digits, cropped, " +
	"worst quality, low quality, normal quality, jpeg artifacts, signature, watermark, username, blurry, deformed, ugly, " +
	"disfigured, bad proportions, malformed, mutated, extra limbs, missing limbs, out of focus, grainy, noise"

// PromptTranslator turns a natural-language description into engine prompts
type PromptTranslator interface {
	Translate(ctx context.Context, naturalLanguage string, mode model.GenerationMode) (prompt, negativePrompt string, err error)
	IsConfigured() bool
}

// PromptService translates natural language into Stable Diffusion prompts with a chat model
type PromptService struct {
	llm    client.ChatCompleter
	prefix string
}

func NewPromptService(llm client.ChatCompleter, prefix string) *PromptService {
	return &PromptService{
		llm:    llm,
		prefix: strings.TrimSpace(prefix),
	}
}

func (s *PromptService) IsConfigured() bool {
	return s.llm != nil && s.llm.IsConfigured()
}

// Translate returns (prompt, negative_prompt). A configured prefix is prepended to the prompt.
func (s *PromptService) Translate(ctx context.Context, naturalLanguage string, mode model.GenerationMode) (string, string, error) {
	if !s.IsConfigured() {
		return "", "", ErrLLMNotConfigured
	}

	response, err := s.llm.ChatCompletion(ctx, s.buildSystemPrompt(mode), s.buildUserPrompt(naturalLanguage))
	if err != nil {
		return "", "", fmt.Errorf("prompt translation failed: %w", err)
	}

	prompt, negative, err := s.parseResponse(response)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse AI response: %w", err)
	}

	if s.prefix != "" {
		prompt = s.prefix + ", " + prompt
	}

	log.Printf("Translated natural language prompt (%d chars -> %d chars)", len(naturalLanguage), len(prompt))
	return prompt, negative, nil
}

func (s *PromptService) buildSystemPrompt(mode model.GenerationMode) string {
	task := "a new image generated from text"
	if mode == model.ModeImageToImage {
		task = "a variation of an existing image; describe the desired result, not the source image"
	}

	return fmt.Sprintf(`You are an expert Stable Diffusion prompt engineer.
Convert the user's description into a prompt for %s.

Order the prompt as comma separated English keywords:
subject, environment, style or medium, lighting and color, composition, quality tags, mood.
Keep it between 50 and 150 words and use keywords rather than sentences.
For traditional Chinese painting styles use ink wash lighting terms instead of photographic ones.
The negative prompt must list at least 10 common defects such as lowres, bad anatomy, watermark, blurry.

Always output valid JSON: {"prompt": "...", "negative_prompt": "..."}
Do not include any text outside the JSON structure.`, task)
}

func (s *PromptService) buildUserPrompt(naturalLanguage string) string {
	return fmt.Sprintf(`Convert this description into Stable Diffusion prompts:

%s`, strings.TrimSpace(naturalLanguage))
}

func (s *PromptService) parseResponse(response string) (string, string, error) {
	response = extractJSON(response)

	var result struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt"`
	}

	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return "", "", fmt.Errorf("invalid JSON response: %w", err)
	}

	prompt := strings.TrimSpace(result.Prompt)
	if prompt == "" {
		return "", "", fmt.Errorf("no prompt in response")
	}

	negative := strings.TrimSpace(result.NegativePrompt)
	if negative == "" {
		negative = defaultNegativePrompt
	}
	return prompt, negative, nil
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

// ApplyTriggerTerms prepends the trigger terms unless the prompt already
// contains at least one of them, compared case-insensitively.
func ApplyTriggerTerms(prompt string, terms []string) string {
	if len(terms) == 0 || prompt == "" {
		return prompt
	}

	lower := strings.ToLower(prompt)
	for _, term := range terms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return prompt
		}
	}

	return strings.Join(terms, ", ") + ", " + prompt
}
