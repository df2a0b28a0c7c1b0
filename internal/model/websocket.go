package model

// WebSocket message types
const (
	WSMessageTypeSubmitted        = "submitted"
	WSMessageTypeProgress         = "progress"
	WSMessageTypeComplete         = "complete"
	WSMessageTypeError            = "error"
	WSMessageTypePersistenceError = "persistence_error"
	WSMessageTypePing             = "ping"
	WSMessageTypePong             = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage carries a job status change or progress update.
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Kind     string    `json:"kind"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
}

// WSCompleteMessage is sent once when a job reaches Ready.
type WSCompleteMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Kind      string `json:"kind"`
	OutputURL string `json:"outputUrl"`
	Format    string `json:"format,omitempty"`
}

// WSErrorMessage reports a failed job or a failed persistence step.
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Kind  string  `json:"kind"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
