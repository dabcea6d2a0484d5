package model

// Events carried by the send collaborator between the runner and the state
// synchronizer.
const (
	// Payload: []*Task, the collected file-level suites
	EventCollected = "onCollected"
	// Payload: []TaskResultPack
	EventTaskUpdate = "onTaskUpdate"
	// Payload: LogEntry
	EventLog = "log"
)

// LogEntry is a log line emitted by the runner or a test
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}
