package model

import (
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a generation task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

var ValidTaskStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed,
}

// ParseTaskStatus accepts a status name in any case.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range ValidTaskStatuses {
		if v == status {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo encodes pending -> processing -> {completed, failed}.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	default:
		return false
	}
}

// Task is one unit of requested generation work, persisted in the tasks table.
type Task struct {
	TaskID         string     `gorm:"column:task_id;primaryKey;size:64" json:"task_id"`
	Status         TaskStatus `gorm:"column:status;size:16;not null;index:idx_status" json:"status"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index:idx_created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
	ResultURL      *string    `gorm:"column:result_url" json:"result_url"`
	ResultURLs     []string   `gorm:"column:result_urls;serializer:json" json:"result_urls"`
	ErrorMessage   *string    `gorm:"column:error_message" json:"error_message"`
	CallbackURL    *string    `gorm:"column:callback_url" json:"callback_url,omitempty"`
	Prompt         *string    `gorm:"column:prompt" json:"prompt"`
	NegativePrompt *string    `gorm:"column:negative_prompt" json:"negative_prompt"`
}

func (Task) TableName() string {
	return "tasks"
}

// Artifact is the output of a completed task: one URL or an ordered list.
type Artifact struct {
	URL  string
	URLs []string
	list bool
}

func SingleArtifact(url string) Artifact {
	return Artifact{URL: url}
}

func ListArtifact(urls []string) Artifact {
	return Artifact{URLs: append([]string(nil), urls...), list: true}
}

// ArtifactFromURLs picks the arity from the number of urls.
func ArtifactFromURLs(urls []string) Artifact {
	if len(urls) == 1 {
		return SingleArtifact(urls[0])
	}
	return ListArtifact(urls)
}

func (a Artifact) IsList() bool {
	return a.list
}

func (a Artifact) Validate() error {
	if a.list {
		if len(a.URLs) == 0 {
			return ErrInvalidArtifact
		}
		for _, u := range a.URLs {
			if u == "" {
				return ErrInvalidArtifact
			}
		}
		return nil
	}
	if a.URL == "" {
		return ErrInvalidArtifact
	}
	return nil
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the empty string for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
