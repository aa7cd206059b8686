package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	*sync.Mutex
	id     uuid.UUID
	socket *websocket.Conn
}

func newSocketClient(id uuid.UUID, conn *websocket.Conn) *socketClient {
	return &socketClient{Mutex: &sync.Mutex{}, id: id, socket: conn}
}

// SendMessage writes the message to the socket. Writes are serialized as
// the connection does not support concurrent writers.
func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.Lock()
	defer client.Unlock()

	return client.socket.WriteJSON(message)
}

// Read starts a read-loop on the clients websocket connection. The hub only
// pushes to clients, so anything received is discarded; the loop exists to
// observe the connection closing. It is the responsibility of the caller
// to de-register the client once the connection closes.
func (client *socketClient) Read() error {
	for {
		if _, _, err := client.socket.NextReader(); err != nil {
			return err
		}
	}
}

func (client *socketClient) Close() {
	_ = client.socket.Close()
}
