package commons

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kachar/liveblocks/crdt"
)

// MessageType represents the type of the message.
type MessageType string

const (
	// JoinMessage is sent by a client right after dialing; it carries the
	// room id and the access token.
	JoinMessage MessageType = "join"

	// AssignMessage is the server's reply to a join: the assigned actor id,
	// the connection id, the storage snapshot and the current peers.
	AssignMessage MessageType = "assign"

	// OpMessage carries a committed batch of storage operations, optionally
	// together with the sender's latest presence delta.
	OpMessage MessageType = "op"

	// AckMessage tells the origin the highest sequence the server has
	// applied for its actor, so the origin can trim its resend queue.
	AckMessage MessageType = "ack"

	// PresenceDeltaMessage merges keys into one connection's presence.
	PresenceDeltaMessage MessageType = "presenceDelta"

	// PresenceFullMessage replaces one connection's presence wholesale.
	PresenceFullMessage MessageType = "presenceFull"

	// BroadcastMessage is a fire-and-forget custom event fan-out.
	BroadcastMessage MessageType = "broadcast"

	// PeerJoinMessage and PeerLeaveMessage track room membership.
	PeerJoinMessage  MessageType = "peerJoin"
	PeerLeaveMessage MessageType = "peerLeave"

	// LeaveMessage is a client's deterministic goodbye.
	LeaveMessage MessageType = "leave"

	// ErrorMessage surfaces a server-side problem with the sender's input.
	ErrorMessage MessageType = "error"
)

// Message represents the envelope sent over the wire. Which fields are set
// depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// Room and Token are set on join.
	Room  string `json:"room,omitempty"`
	Token string `json:"token,omitempty"`

	// Actor identifies the origin of ops, presence and broadcasts, and the
	// assignee on assign and the acked actor on ack.
	Actor crdt.ActorID `json:"actor,omitempty"`

	// ConnID identifies the sending connection on relayed messages.
	ConnID uuid.UUID `json:"connId,omitempty"`

	// Info is the static per-user info exchanged on join and peerJoin.
	Info map[string]string `json:"info,omitempty"`

	// Snapshot is the full storage state, sent on assign.
	Snapshot *crdt.Snapshot `json:"snapshot,omitempty"`

	// Others lists the current peers, sent on assign.
	Others []Peer `json:"others,omitempty"`

	// Ops is a committed batch of storage operations.
	Ops []crdt.Op `json:"ops,omitempty"`

	// Presence is a presence delta (or the full table on presenceFull).
	Presence map[string]crdt.Value `json:"presence,omitempty"`

	// Payload is an opaque broadcast event body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Seq is the ack high-water mark.
	Seq uint64 `json:"seq,omitempty"`

	// Text carries a human-readable error.
	Text string `json:"text,omitempty"`
}

// Peer describes another member of the room.
type Peer struct {
	ConnID   uuid.UUID             `json:"connId"`
	Actor    crdt.ActorID          `json:"actor"`
	Info     map[string]string     `json:"info,omitempty"`
	Presence map[string]crdt.Value `json:"presence,omitempty"`
}
