package types

import "time"

// ConnKind is the transport a Connection rides on (spec §3 Connection).
type ConnKind string

const (
	ConnWebSocket ConnKind = "websocket"
	ConnHTTP      ConnKind = "http"
	ConnCLI       ConnKind = "cli"
)

// ConnState is the connection lifecycle state machine (spec §4.B).
type ConnState string

const (
	ConnConnecting     ConnState = "connecting"
	ConnConnected      ConnState = "connected"
	ConnAuthenticated  ConnState = "authenticated"
	ConnDisconnecting  ConnState = "disconnecting"
	ConnDisconnected   ConnState = "disconnected"
	ConnError          ConnState = "error"
)

// Connection tracks one WebSocket, HTTP, or CLI peer.
type Connection struct {
	ID           string
	Kind         ConnKind
	State        ConnState
	SessionID    string
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time

	PingsSent    int
	PingsFailed  int

	// Handle is the kind-specific transport handle (e.g. *websocket.Conn).
	// It is opaque to the connection manager, which only tracks identity
	// and indices — sends are dispatched through the Sender function.
	Handle any
	Sender func(payload []byte) error
}

// AcceptsSend reports whether the connection is in a state that allows
// outbound sends (spec §4.B: only connected or authenticated connections
// accept sends).
func (c *Connection) AcceptsSend() bool {
	return c.State == ConnConnected || c.State == ConnAuthenticated
}
