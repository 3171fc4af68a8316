package room

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// Room is one joined document. It owns the connection, the storage tree,
// the presence table and the history stacks. All local mutation is
// serialized through the room's lock; subscribers get read-only snapshots,
// never a handle into internal state.
type Room struct {
	id  string
	cfg Config
	log *logrus.Entry

	closed  chan struct{}
	readyCh chan struct{}

	mu      sync.Mutex
	status  Status
	conn    Conn
	ready   bool
	actor   crdt.ActorID
	connID  uuid.UUID
	clock   *crdt.Clock
	tree    *crdt.Tree
	self    map[string]crdt.Value
	others  map[uuid.UUID]*Peer
	hist    *history
	depth   int
	batch   *pendingBatch
	outbox  []crdt.Op
	queued  []queuedEvent
	seed    map[string]crdt.Value
	subs    *pubsub
	closing sync.Once
}

func newRoom(id string, cfg Config, opts EnterOptions) *Room {
	self := make(map[string]crdt.Value, len(opts.InitialPresence))
	for k, v := range opts.InitialPresence {
		self[k] = v
	}
	return &Room{
		id:      id,
		cfg:     cfg,
		log:     cfg.Logger.WithField("room", id),
		closed:  make(chan struct{}),
		readyCh: make(chan struct{}),
		status:  StatusIdle,
		clock:   crdt.NewClock(0),
		tree:    crdt.NewTree(),
		self:    self,
		others:  make(map[uuid.UUID]*Peer),
		hist:    newHistory(cfg.HistoryLimit),
		seed:    opts.InitialStorage,
		subs:    newPubsub(),
	}
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Status returns the current connection state.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Actor returns the server-assigned actor id for this connection, or zero
// before the first handshake completes.
func (r *Room) Actor() crdt.ActorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actor
}

// Storage blocks until the first snapshot has been received, then returns
// the root node id.
func (r *Room) Storage(ctx context.Context) (crdt.NodeID, error) {
	select {
	case <-r.readyCh:
		return crdt.RootNodeID, nil
	case <-r.closed:
		return "", ErrRoomClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe registers a callback on a topic (or a storage node topic, see
// StorageTopic) and returns its unsubscribe capability.
//
// Payload types per topic: TopicMyPresence and each peer-presence change on
// TopicOthers carry map-copies and []Peer; TopicEvent carries Event;
// TopicError carries error; TopicHistory carries HistoryState;
// TopicConnection carries Status; storage topics carry the crdt.NodeID.
func (r *Room) Subscribe(topic string, cb func(payload any)) func() {
	return r.subs.subscribe(topic, cb)
}

// SubscribeNode registers a callback for one storage node's changes.
func (r *Room) SubscribeNode(id crdt.NodeID, cb func(payload any)) func() {
	return r.subs.subscribe(StorageTopic(id), cb)
}

func (r *Room) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// close tears the room down deterministically: status flips to closed, the
// socket sends a goodbye and shuts, pending retries are cancelled and all
// subscriptions are released. Nothing is flushed afterwards.
func (r *Room) close() {
	r.closing.Do(func() {
		r.mu.Lock()
		r.status = StatusClosed
		conn := r.conn
		r.conn = nil
		close(r.closed)
		r.mu.Unlock()

		if conn != nil {
			_ = conn.WriteMessage(commons.Message{Type: commons.LeaveMessage, Room: r.id})
			_ = conn.Close()
		}
		r.subs.publish(TopicConnection, StatusClosed)
		r.subs.clear()
		r.log.Info("room left")
	})
}

// flush delivers collected notifications outside the room lock.
func (r *Room) flush(ns []notification) {
	for _, n := range ns {
		r.subs.publish(n.topic, n.payload)
	}
}

// sendLocked writes one message to the live connection. Failures are left
// to the read loop: the connection is poisoned and the reconnect resync
// re-sends anything that matters.
func (r *Room) sendLocked(msg commons.Message) {
	if r.conn == nil {
		return
	}
	if err := r.conn.WriteMessage(msg); err != nil {
		r.log.WithError(err).Warn("write failed, resetting connection")
		_ = r.conn.Close()
	}
}
