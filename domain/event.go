package domain

// Event kinds pushed to room members after a completed mutation.
const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
)

// Envelope is the broadcast unit. It travels over the Redis events channel
// between server instances and, minus Origin, over each member's websocket.
// Task is set for created/updated, TaskID for deleted. Origin names the
// connection whose mutation produced the event so the hub can suppress the
// self-echo; it is empty when the mutation came from a caller without a
// live connection.
type Envelope struct {
	Kind   string `json:"kind"`
	RoomID string `json:"roomId"`
	Task   *Task  `json:"task,omitempty"`
	TaskID string `json:"taskId,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// EntityID returns the identifier of the task the envelope concerns.
func (e Envelope) EntityID() string {
	if e.Task != nil {
		return e.Task.ID
	}
	return e.TaskID
}
