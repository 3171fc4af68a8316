package room

import (
	"sort"

	"github.com/google/uuid"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// Peer is a read-only view of one room member.
type Peer struct {
	ConnID   uuid.UUID
	Actor    crdt.ActorID
	Info     map[string]string
	Presence map[string]crdt.Value
}

func peerFromWire(p commons.Peer) *Peer {
	peer := &Peer{
		ConnID:   p.ConnID,
		Actor:    p.Actor,
		Info:     p.Info,
		Presence: make(map[string]crdt.Value, len(p.Presence)),
	}
	for key, value := range p.Presence {
		peer.Presence[key] = value
	}
	return peer
}

func (p *Peer) snapshot() Peer {
	out := Peer{ConnID: p.ConnID, Actor: p.Actor, Info: p.Info}
	out.Presence = make(map[string]crdt.Value, len(p.Presence))
	for key, value := range p.Presence {
		out.Presence[key] = value
	}
	return out
}

// PresenceOptions tunes one presence update.
type PresenceOptions struct {
	// AddToHistory makes this update's keys undoable.
	AddToHistory bool
}

// UpdatePresence merges the partial update into the local presence
// snapshot. Inside a batch the delta is buffered and ships with the batch;
// outside it is sent immediately as a single message. A connection only
// ever writes its own presence.
func (r *Room) UpdatePresence(delta map[string]crdt.Value, opts ...PresenceOptions) {
	if len(delta) == 0 {
		return
	}
	addToHistory := false
	for _, opt := range opts {
		addToHistory = addToHistory || opt.AddToHistory
	}

	r.mu.Lock()
	var ns []notification
	if r.depth > 0 {
		for key, value := range delta {
			if addToHistory {
				if _, seen := r.batch.presenceInverse[key]; !seen {
					r.batch.presenceInverse[key] = r.previousPresenceLocked(key)
				}
			}
			r.batch.presence[key] = value
		}
	} else {
		b := newPendingBatch()
		for key, value := range delta {
			if addToHistory {
				b.presenceInverse[key] = r.previousPresenceLocked(key)
			}
			b.presence[key] = value
		}
		ns = r.commitLocked(b)
	}
	r.mu.Unlock()
	r.flush(ns)
}

func (r *Room) previousPresenceLocked(key string) *crdt.Value {
	if prev, ok := r.self[key]; ok {
		prev := prev
		return &prev
	}
	return nil
}

// Presence returns a copy of the local presence snapshot.
func (r *Room) Presence() map[string]crdt.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]crdt.Value, len(r.self))
	for key, value := range r.self {
		out[key] = value
	}
	return out
}

// presenceLocked returns a copy for notifications and the wire.
func (r *Room) presenceLocked() map[string]crdt.Value {
	out := make(map[string]crdt.Value, len(r.self))
	for key, value := range r.self {
		out[key] = value
	}
	return out
}

// Self describes the local member.
func (r *Room) Self() Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Peer{
		ConnID:   r.connID,
		Actor:    r.actor,
		Info:     r.cfg.UserInfo,
		Presence: r.presenceLocked(),
	}
}

// Others lists the other room members, ordered by actor id.
func (r *Room) Others() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.othersLocked()
}

func (r *Room) othersLocked() []Peer {
	out := make([]Peer, 0, len(r.others))
	for _, peer := range r.others {
		out = append(out, peer.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

// mergeOtherPresenceLocked integrates a remote presence message. A delta
// replaces only the keys it carries; a full update replaces the table. A
// connection id never seen before becomes a new entry.
func (r *Room) mergeOtherPresenceLocked(msg commons.Message, full bool) []notification {
	peer, ok := r.others[msg.ConnID]
	if !ok {
		peer = &Peer{ConnID: msg.ConnID, Actor: msg.Actor, Presence: make(map[string]crdt.Value)}
		r.others[msg.ConnID] = peer
	}
	if full {
		peer.Presence = make(map[string]crdt.Value, len(msg.Presence))
	}
	for key, value := range msg.Presence {
		peer.Presence[key] = value
	}
	return []notification{{TopicOthers, r.othersLocked()}}
}
