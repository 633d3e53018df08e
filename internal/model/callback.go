package model

// Callback statuses sent to webhooks
const (
	CallbackStatusCompleted = "completed"
	CallbackStatusFailed    = "failed"
)

// CallbackPayload is the JSON body POSTed to a task's callback_url.
// Image fields appear only for completed tasks, error_message only for failed ones.
type CallbackPayload struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	ImageURL     string   `json:"image_url,omitempty"`
	ImageURLs    []string `json:"image_urls,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}
