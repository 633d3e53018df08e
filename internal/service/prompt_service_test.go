package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

type fakeChat struct {
	reply      string
	err        error
	configured bool
	system     string
}

func (f *fakeChat) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	f.system = system
	return f.reply, f.err
}

func (f *fakeChat) IsConfigured() bool {
	return f.configured
}

func TestPromptService_Translate(t *testing.T) {
	chat := &fakeChat{
		configured: true,
		reply:      "Sure:\n```json\n{\"prompt\": \"a cute cat, windowsill\", \"negative_prompt\": \"blurry\"}\n```",
	}
	svc := NewPromptService(chat, " yunjin brocade ")

	prompt, negative, err := svc.Translate(context.Background(), "一只猫", model.ModeTextToImage)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if prompt != "yunjin brocade, a cute cat, windowsill" {
		t.Errorf("unexpected prompt %q", prompt)
	}
	if negative != "blurry" {
		t.Errorf("unexpected negative prompt %q", negative)
	}
}

func TestPromptService_ModeChangesInstruction(t *testing.T) {
	chat := &fakeChat{configured: true, reply: `{"prompt":"x"}`}
	svc := NewPromptService(chat, "")

	svc.Translate(context.Background(), "x", model.ModeImageToImage)
	if !strings.Contains(chat.system, "variation of an existing image") {
		t.Errorf("img2img instruction missing from system prompt")
	}
}

func TestPromptService_DefaultNegativePrompt(t *testing.T) {
	svc := NewPromptService(&fakeChat{configured: true, reply: `{"prompt":"x"}`}, "")

	_, negative, err := svc.Translate(context.Background(), "x", model.ModeTextToImage)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if negative != defaultNegativePrompt {
		t.Errorf("expected default negative prompt, got %q", negative)
	}
}

func TestPromptService_Errors(t *testing.T) {
	if _, _, err := NewPromptService(&fakeChat{}, "").Translate(context.Background(), "x", model.ModeTextToImage); !errors.Is(err, ErrLLMNotConfigured) {
		t.Errorf("expected ErrLLMNotConfigured, got %v", err)
	}
	if NewPromptService(nil, "").IsConfigured() {
		t.Error("nil client must not be configured")
	}

	failing := NewPromptService(&fakeChat{configured: true, err: errors.New("429")}, "")
	if _, _, err := failing.Translate(context.Background(), "x", model.ModeTextToImage); err == nil {
		t.Error("expected upstream error")
	}

	empty := NewPromptService(&fakeChat{configured: true, reply: `{"prompt":"  "}`}, "")
	if _, _, err := empty.Translate(context.Background(), "x", model.ModeTextToImage); err == nil {
		t.Error("expected error on empty prompt")
	}
}

func TestApplyTriggerTerms(t *testing.T) {
	terms := []string{"yunjin", "brocade pattern"}

	cases := []struct {
		prompt, want string
	}{
		{"a dragon robe", "yunjin, brocade pattern, a dragon robe"},
		{"YunJin dragon robe", "YunJin dragon robe"},
		{"dragon, Brocade Pattern", "dragon, Brocade Pattern"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ApplyTriggerTerms(tc.prompt, terms); got != tc.want {
			t.Errorf("ApplyTriggerTerms(%q) = %q, want %q", tc.prompt, got, tc.want)
		}
	}

	if got := ApplyTriggerTerms("plain", nil); got != "plain" {
		t.Errorf("expected prompt unchanged without terms, got %q", got)
	}
}
