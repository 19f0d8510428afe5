package realtime

import "taskroom/domain"

// Frame is the JSON message exchanged over a websocket connection, in both
// directions. Type selects which of the optional fields are meaningful.
//
// Server to client: "connected" (ConnectionID), "task-created" and
// "task-updated" (RoomID, Task), "task-deleted" (RoomID, TaskID).
// Client to server: "join-room" and "leave-room" (RoomID), plus the same
// task-* shapes as untrusted hints.
type Frame struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connectionId,omitempty"`
	RoomID       string       `json:"roomId,omitempty"`
	Task         *domain.Task `json:"task,omitempty"`
	TaskID       string       `json:"taskId,omitempty"`
}

// Client-originated frame types.
const (
	FrameJoinRoom  = "join-room"
	FrameLeaveRoom = "leave-room"
)

// FrameConnected is the hello frame sent once per connection, carrying the
// server-assigned connection ID the client echoes on mutation requests.
const FrameConnected = "connected"

// eventFrame converts a broadcast envelope into the wire frame delivered to
// room members. Origin never leaves the server.
func eventFrame(env domain.Envelope) Frame {
	return Frame{
		Type:   env.Kind,
		RoomID: env.RoomID,
		Task:   env.Task,
		TaskID: env.TaskID,
	}
}
