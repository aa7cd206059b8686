package websocket

import "github.com/google/uuid"

type socketMessageType int

const (
	Update socketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is the envelope of every message sent over the socket. Target
// restricts delivery to the client with the matching UUID, otherwise the
// message is broadcast to all clients.
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	ID     int               `json:"id"`
	Type   socketMessageType `json:"type"`
	Target *uuid.UUID        `json:"-"`
}
