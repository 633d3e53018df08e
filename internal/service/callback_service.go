package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

var ErrInvalidCallbackURL = errors.New("invalid callback url")

// CallbackRequest is one webhook notification for a terminal task
type CallbackRequest struct {
	URL          string
	TaskID       string
	Status       string
	ImageURL     string
	ImageURLs    []string
	ErrorMessage string
}

// CallbackService delivers terminal-state webhooks with a fixed retry policy.
// Delivery is best-effort: nothing is persisted and no error reaches the caller.
type CallbackService struct {
	httpClient    *http.Client
	retryTimes    int
	retryInterval time.Duration
	timeout       time.Duration
}

func NewCallbackService(cfg *config.CallbackConfig) *CallbackService {
	retryTimes := cfg.RetryTimes
	if retryTimes < 1 {
		retryTimes = 1
	}
	return &CallbackService{
		httpClient:    &http.Client{},
		retryTimes:    retryTimes,
		retryInterval: cfg.RetryInterval,
		timeout:       cfg.Timeout,
	}
}

// ValidateCallbackURL checks that raw is an absolute http(s) URL with a host.
// It performs no network I/O.
func ValidateCallbackURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCallbackURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallbackURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidCallbackURL, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidCallbackURL)
	}
	return nil
}

// NewPayload builds the webhook body. Image fields are kept only for completed
// tasks and the error message only for failed ones.
func NewPayload(req CallbackRequest) model.CallbackPayload {
	payload := model.CallbackPayload{
		TaskID: req.TaskID,
		Status: req.Status,
	}
	switch req.Status {
	case model.CallbackStatusCompleted:
		payload.ImageURL = req.ImageURL
		payload.ImageURLs = req.ImageURLs
	case model.CallbackStatusFailed:
		payload.ErrorMessage = req.ErrorMessage
	}
	return payload
}

// Send validates the URL and posts the payload, retrying sequentially.
func (s *CallbackService) Send(ctx context.Context, req CallbackRequest) {
	if err := ValidateCallbackURL(req.URL); err != nil {
		log.Printf("Callback for task %s skipped: %v", req.TaskID, err)
		return
	}
	target := strings.TrimSpace(req.URL)

	body, err := json.Marshal(NewPayload(req))
	if err != nil {
		log.Printf("Callback for task %s skipped: failed to marshal payload: %v", req.TaskID, err)
		return
	}

	for attempt := 1; attempt <= s.retryTimes; attempt++ {
		err := s.post(ctx, target, body)
		if err == nil {
			log.Printf("Callback for task %s delivered to %s (attempt %d)", req.TaskID, target, attempt)
			return
		}
		log.Printf("Callback for task %s attempt %d/%d failed: %v", req.TaskID, attempt, s.retryTimes, err)

		if attempt == s.retryTimes {
			break
		}
		if !sleepContext(ctx, s.retryInterval) {
			log.Printf("Callback for task %s abandoned: %v", req.TaskID, ctx.Err())
			return
		}
	}

	log.Printf("Callback for task %s dropped after %d attempts", req.TaskID, s.retryTimes)
}

// Close releases idle connections
func (s *CallbackService) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *CallbackService) post(ctx context.Context, target string, body []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
