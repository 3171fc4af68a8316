package room

import (
	"errors"
	"fmt"
)

var (
	ErrRoomClosed = errors.New("room: room has been left")
	ErrNotReady   = errors.New("room: storage not ready")
)

// AuthError means the token exchange failed. It is terminal for the
// connection attempt; the engine does not retry it.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("room: auth failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError is a transient transport failure. The engine heals it
// with backoff and reconnect; it is never fatal unless the room is left.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("room: connection: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means a malformed or unexpected message arrived. The
// connection is forcibly reset and the reconnection sequence restarts.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "room: protocol: " + e.Reason }

// ConflictError means a locally issued operation failed to apply. This is
// unreachable by construction and indicates a bug, not a recoverable
// runtime condition.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return fmt.Sprintf("room: conflict resolution: %v", e.Err) }
func (e *ConflictError) Unwrap() error { return e.Err }

// Status is the connection lifecycle state, published on TopicConnection.
type Status int

const (
	StatusIdle Status = iota
	StatusAuthenticating
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAuthenticating:
		return "authenticating"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}
