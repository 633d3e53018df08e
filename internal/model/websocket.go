package model

// WebSocket message types
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSErrorGenerationFailed is the error code sent when a task fails
const WSErrorGenerationFailed = "GENERATION_FAILED"

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a task status change
type WSStatusMessage struct {
	Type   string     `json:"type"`
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Step   string     `json:"step,omitempty"`
}

// WSCompleteMessage carries the result urls of a completed task
type WSCompleteMessage struct {
	Type       string   `json:"type"`
	TaskID     string   `json:"task_id"`
	ResultURL  string   `json:"result_url,omitempty"`
	ResultURLs []string `json:"result_urls,omitempty"`
}

// WSErrorMessage represents a failed task
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"task_id"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
