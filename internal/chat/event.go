package chat

import "encoding/json"

// RoomEvent is the payload published to room.<kind>.<id> subjects so that
// every server instance can deliver a broadcast to its own joined sockets.
type RoomEvent struct {
	Kind   string          `json:"kind"`             // "project" or "conversation"
	RoomID int64           `json:"room_id"`          // project or conversation id
	Except string          `json:"except,omitempty"` // connection id to skip (typing echo)
	Data   json.RawMessage `json:"data"`             // encoded server message
}
