package room

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// Event is a custom broadcast received from a peer, published on
// TopicEvent.
type Event struct {
	ConnID  uuid.UUID
	Actor   crdt.ActorID
	Payload json.RawMessage
}

// BroadcastOptions tunes one broadcast.
type BroadcastOptions struct {
	// QueueIfNotReady holds the event until the room finishes its first
	// handshake instead of dropping it.
	QueueIfNotReady bool
}

type queuedEvent struct {
	payload json.RawMessage
}

// BroadcastEvent sends a fire-and-forget payload to every other member of
// the room. Broadcasts carry no delivery guarantee and no history.
func (r *Room) BroadcastEvent(payload json.RawMessage, opts ...BroadcastOptions) error {
	queue := false
	for _, opt := range opts {
		queue = queue || opt.QueueIfNotReady
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		return ErrRoomClosed
	}
	if !r.ready {
		if !queue {
			return ErrNotReady
		}
		r.queued = append(r.queued, queuedEvent{payload: payload})
		return nil
	}
	r.sendLocked(commons.Message{Type: commons.BroadcastMessage, Payload: payload})
	return nil
}
