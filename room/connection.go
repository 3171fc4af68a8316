package room

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// Conn is the message transport for one session. The engine only ever
// reads it from one goroutine; writes may come from any.
type Conn interface {
	ReadMessage() (commons.Message, error)
	WriteMessage(msg commons.Message) error
	Close() error
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsConn adapts a gorilla connection to Conn and runs the heartbeat: pings
// on a cadence, read deadline refreshed by pongs, so silent transport
// failures surface as read errors.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	w := &wsConn{conn: conn, done: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go w.pingLoop()
	return w
}

func (w *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *wsConn) ReadMessage() (commons.Message, error) {
	var msg commons.Message
	err := w.conn.ReadJSON(&msg)
	return msg, err
}

func (w *wsConn) WriteMessage(msg commons.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

// dialWebsocket is the default Dialer.
func dialWebsocket(baseURL, room, token string, timeout time.Duration) (Conn, error) {
	u := fmt.Sprintf("%s/rooms/%s?token=%s", baseURL, url.PathEscape(room), url.QueryEscape(token))
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// run drives the connection state machine until the room is left. Auth
// failures are terminal; everything else retries with capped, jittered
// exponential backoff, indefinitely.
func (r *Room) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		if r.isClosed() {
			return
		}
		err := r.session(bo)
		if r.isClosed() {
			return
		}
		if authErr, ok := err.(*AuthError); ok {
			r.log.WithError(authErr).Error("authentication failed, giving up")
			r.setStatus(StatusFailed)
			r.subs.publish(TopicError, error(authErr))
			return
		}
		r.log.WithError(err).Warn("connection lost")
		r.setStatus(StatusReconnecting)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-r.closed:
			return
		}
	}
}

// session performs one authenticate/connect/serve cycle and returns why it
// ended.
func (r *Room) session(bo *backoff.ExponentialBackOff) error {
	r.setStatus(StatusAuthenticating)
	token, err := r.cfg.TokenProvider.RoomToken(r.id)
	if err != nil {
		return &AuthError{Err: err}
	}

	r.setStatus(StatusConnecting)
	conn, err := r.cfg.Dialer(r.cfg.BaseURL, r.id, token, r.cfg.DialTimeout)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	join := commons.Message{
		Type:  commons.JoinMessage,
		Room:  r.id,
		Token: token,
		Info:  r.cfg.UserInfo,
	}
	if err := conn.WriteMessage(join); err != nil {
		_ = conn.Close()
		return &ConnectionError{Err: err}
	}

	// The room is not ready until the server assigned an actor id and
	// shipped the current snapshot.
	msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Err: err}
	}
	switch msg.Type {
	case commons.AssignMessage:
	case commons.ErrorMessage:
		_ = conn.Close()
		return &AuthError{Err: fmt.Errorf("rejected by server: %s", msg.Text)}
	default:
		_ = conn.Close()
		return &ProtocolError{Reason: fmt.Sprintf("expected assign, got %q", msg.Type)}
	}

	ns := r.acceptAssign(conn, msg)
	bo.Reset()
	r.flush(ns)
	r.log.WithField("actor", msg.Actor).Info("connected")

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return &ConnectionError{Err: err}
		}
		ns, perr := r.dispatch(msg)
		r.flush(ns)
		if perr != nil {
			r.log.WithError(perr).Error("protocol error, resetting connection")
			r.subs.publish(TopicError, perr)
			_ = conn.Close()
			return perr
		}
	}
}

func (r *Room) setStatus(s Status) {
	r.mu.Lock()
	if r.status == StatusClosed {
		r.mu.Unlock()
		return
	}
	r.status = s
	r.mu.Unlock()
	r.subs.publish(TopicConnection, s)
}

// acceptAssign installs the handshake result: actor id, snapshot, peers.
// On a reconnect the fresh snapshot replaces the tree and the optimistic
// unacknowledged local operations are replayed on top, then re-sent on the
// wire exactly once together with the full presence.
func (r *Room) acceptAssign(conn Conn, msg commons.Message) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusClosed {
		_ = conn.Close()
		return nil
	}

	var ns []notification
	r.conn = conn
	r.actor = msg.Actor
	r.connID = msg.ConnID
	r.clock.SetActor(msg.Actor)

	if msg.Snapshot != nil {
		tree, err := crdt.FromSnapshot(*msg.Snapshot)
		if err != nil {
			r.log.WithError(err).Error("discarding unreadable snapshot")
		} else {
			r.tree = tree
			r.clock.Witness(crdt.OpID{Seq: tree.MaxSeq()})
			for _, op := range r.outbox {
				if _, err := tree.Apply(op); err != nil {
					r.log.WithError(err).Warn("pending operation no longer applies")
				}
			}
			for _, node := range msg.Snapshot.Nodes {
				ns = append(ns, notification{StorageTopic(node.ID), node.ID})
			}
		}
	}

	r.others = make(map[uuid.UUID]*Peer, len(msg.Others))
	for _, peer := range msg.Others {
		p := peerFromWire(peer)
		r.others[p.ConnID] = p
	}
	ns = append(ns, notification{TopicOthers, r.othersLocked()})

	r.status = StatusConnected
	ns = append(ns, notification{TopicConnection, StatusConnected})

	// Resync: the server does not remember a disconnected actor's presence,
	// and unacknowledged operations may never have arrived.
	r.sendLocked(commons.Message{Type: commons.PresenceFullMessage, Presence: r.presenceLocked()})
	if len(r.outbox) > 0 {
		r.sendLocked(commons.Message{Type: commons.OpMessage, Ops: r.outbox, Actor: r.actor})
	}
	for _, ev := range r.queued {
		r.sendLocked(commons.Message{Type: commons.BroadcastMessage, Payload: ev.payload})
	}
	r.queued = nil

	if !r.ready {
		r.ready = true
		close(r.readyCh)
		if len(r.seed) > 0 && r.tree.Root().Len() == 0 {
			ns = append(ns, r.seedStorageLocked()...)
		}
	}
	return ns
}

// dispatch integrates one received message. Messages from a single peer
// arrive and apply in that peer's send order; operations are applied
// synchronously and each changed node notifies at most once per message.
func (r *Room) dispatch(msg commons.Message) ([]notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case commons.OpMessage:
		var ns []notification
		changed := make(map[crdt.NodeID]bool)
		for _, op := range msg.Ops {
			r.clock.Witness(op.ID)
			res, err := r.tree.Apply(op)
			if err != nil {
				return ns, &ProtocolError{Reason: fmt.Sprintf("bad operation %s: %v", op.ID, err)}
			}
			for _, node := range res.Changed {
				changed[node] = true
			}
		}
		for node := range changed {
			ns = append(ns, notification{StorageTopic(node), node})
		}
		if len(msg.Presence) > 0 {
			ns = append(ns, r.mergeOtherPresenceLocked(msg, false)...)
		}
		return ns, nil

	case commons.AckMessage:
		kept := r.outbox[:0]
		for _, op := range r.outbox {
			if op.ID.Actor == msg.Actor && op.ID.Seq <= msg.Seq {
				continue
			}
			kept = append(kept, op)
		}
		r.outbox = kept
		return nil, nil

	case commons.PresenceDeltaMessage:
		return r.mergeOtherPresenceLocked(msg, false), nil

	case commons.PresenceFullMessage:
		return r.mergeOtherPresenceLocked(msg, true), nil

	case commons.PeerJoinMessage:
		p := peerFromWire(commons.Peer{
			ConnID: msg.ConnID, Actor: msg.Actor, Info: msg.Info, Presence: msg.Presence,
		})
		r.others[p.ConnID] = p
		return []notification{{TopicOthers, r.othersLocked()}}, nil

	case commons.PeerLeaveMessage:
		if _, ok := r.others[msg.ConnID]; !ok {
			return nil, nil
		}
		delete(r.others, msg.ConnID)
		return []notification{{TopicOthers, r.othersLocked()}}, nil

	case commons.BroadcastMessage:
		ev := Event{ConnID: msg.ConnID, Actor: msg.Actor, Payload: msg.Payload}
		return []notification{{TopicEvent, ev}}, nil

	case commons.ErrorMessage:
		return []notification{{TopicError, error(&ProtocolError{Reason: msg.Text})}}, nil
	}

	return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected message type %q", msg.Type)}
}
