package server

import (
	"log"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	sendBuffer = 64
)

// member is one connected client of a room.
type member struct {
	connID   uuid.UUID
	actor    crdt.ActorID
	info     map[string]string
	presence map[string]crdt.Value
	conn     *websocket.Conn
	send     chan commons.Message
}

func (m *member) peer() commons.Peer {
	return commons.Peer{ConnID: m.connID, Actor: m.actor, Info: m.info, Presence: m.presence}
}

type inbound struct {
	from *member
	msg  commons.Message
}

// hub owns one room: the authoritative storage replica, the member table
// and the fan-out. All room state is confined to the run goroutine.
type hub struct {
	id    string
	store *Store

	tree      *crdt.Tree
	nextActor crdt.ActorID
	members   map[uuid.UUID]*member

	register   chan *member
	unregister chan *member
	inbound    chan inbound
}

func newHub(id string, store *Store) *hub {
	h := &hub{
		id:         id,
		store:      store,
		tree:       crdt.NewTree(),
		members:    make(map[uuid.UUID]*member),
		register:   make(chan *member),
		unregister: make(chan *member),
		inbound:    make(chan inbound),
	}
	if store != nil {
		if snap, err := store.LoadSnapshot(id); err != nil {
			log.Printf("room %s: loading snapshot: %v", id, err)
		} else if snap != nil {
			if tree, err := crdt.FromSnapshot(*snap); err == nil {
				h.tree = tree
			}
		}
	}
	return h
}

func (h *hub) run() {
	for {
		select {
		case m := <-h.register:
			h.nextActor++
			m.actor = h.nextActor

			snap := h.tree.Snapshot()
			others := make([]commons.Peer, 0, len(h.members))
			for _, existing := range h.members {
				others = append(others, existing.peer())
			}
			m.send <- commons.Message{
				Type:     commons.AssignMessage,
				Room:     h.id,
				Actor:    m.actor,
				ConnID:   m.connID,
				Snapshot: &snap,
				Others:   others,
			}
			h.broadcast(m, commons.Message{
				Type:     commons.PeerJoinMessage,
				ConnID:   m.connID,
				Actor:    m.actor,
				Info:     m.info,
				Presence: m.presence,
			})
			h.members[m.connID] = m
			color.Green("%s >> %s joined room %s as actor %d", timestamp(), m.connID, h.id, m.actor)

		case m := <-h.unregister:
			if _, ok := h.members[m.connID]; !ok {
				continue
			}
			delete(h.members, m.connID)
			close(m.send)
			h.broadcast(nil, commons.Message{Type: commons.PeerLeaveMessage, ConnID: m.connID})
			color.Yellow("%s >> %s left room %s", timestamp(), m.connID, h.id)

		case in := <-h.inbound:
			h.handle(in.from, in.msg)
		}
	}
}

func (h *hub) handle(from *member, msg commons.Message) {
	switch msg.Type {
	case commons.OpMessage:
		// Re-sent operations after a reconnect re-apply as no-ops here and
		// on every peer; only the ack matters to the origin.
		acks := make(map[crdt.ActorID]uint64)
		for _, op := range msg.Ops {
			if _, err := h.tree.Apply(op); err != nil {
				log.Printf("room %s: dropping op %s from %s: %v", h.id, op.ID, from.connID, err)
				from.trySend(commons.Message{Type: commons.ErrorMessage, Text: err.Error()})
				continue
			}
			if op.ID.Seq > acks[op.ID.Actor] {
				acks[op.ID.Actor] = op.ID.Seq
			}
		}
		for actor, seq := range acks {
			from.trySend(commons.Message{Type: commons.AckMessage, Actor: actor, Seq: seq})
		}
		if len(msg.Presence) > 0 {
			h.mergePresence(from, msg.Presence)
		}
		h.broadcast(from, commons.Message{
			Type:     commons.OpMessage,
			ConnID:   from.connID,
			Actor:    from.actor,
			Ops:      msg.Ops,
			Presence: msg.Presence,
		})
		h.persist()

	case commons.PresenceDeltaMessage:
		h.mergePresence(from, msg.Presence)
		h.broadcast(from, commons.Message{
			Type:     commons.PresenceDeltaMessage,
			ConnID:   from.connID,
			Actor:    from.actor,
			Presence: msg.Presence,
		})

	case commons.PresenceFullMessage:
		from.presence = make(map[string]crdt.Value, len(msg.Presence))
		for key, value := range msg.Presence {
			from.presence[key] = value
		}
		h.broadcast(from, commons.Message{
			Type:     commons.PresenceFullMessage,
			ConnID:   from.connID,
			Actor:    from.actor,
			Presence: msg.Presence,
		})

	case commons.BroadcastMessage:
		h.broadcast(from, commons.Message{
			Type:    commons.BroadcastMessage,
			ConnID:  from.connID,
			Actor:   from.actor,
			Payload: msg.Payload,
		})

	case commons.LeaveMessage:
		from.conn.Close()

	default:
		from.trySend(commons.Message{
			Type: commons.ErrorMessage,
			Text: "unexpected message type " + string(msg.Type),
		})
	}
}

func (h *hub) mergePresence(m *member, delta map[string]crdt.Value) {
	if m.presence == nil {
		m.presence = make(map[string]crdt.Value, len(delta))
	}
	for key, value := range delta {
		m.presence[key] = value
	}
}

// broadcast fans a message out to every member except the origin.
func (h *hub) broadcast(origin *member, msg commons.Message) {
	for _, m := range h.members {
		if origin != nil && m.connID == origin.connID {
			continue
		}
		m.trySend(msg)
	}
}

func (m *member) trySend(msg commons.Message) {
	select {
	case m.send <- msg:
	default:
		// Slow consumer; drop the connection, the client will resync.
		m.conn.Close()
	}
}

func (h *hub) persist() {
	if h.store == nil {
		return
	}
	if err := h.store.SaveSnapshot(h.id, h.tree.Snapshot()); err != nil {
		log.Printf("room %s: persisting snapshot: %v", h.id, err)
	}
}

// readPump feeds the hub until the connection dies.
func (m *member) readPump(h *hub) {
	defer func() {
		h.unregister <- m
		m.conn.Close()
	}()
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg commons.Message
		if err := m.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("room %s: %s read error: %v", h.id, m.connID, err)
			}
			return
		}
		h.inbound <- inbound{from: m, msg: msg}
	}
}

// writePump drains the send channel and keeps the heartbeat going.
func (m *member) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = m.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := m.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func timestamp() string {
	return time.Now().Format(time.ANSIC)
}
