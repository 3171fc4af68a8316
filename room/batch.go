package room

import (
	"sort"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// pendingBatch accumulates a burst of local mutations so they commit as one
// atomic unit: one wire message, one history item, one notification per
// changed topic.
type pendingBatch struct {
	ops []crdt.Op

	// presence is the merged outgoing delta; presenceInverse remembers the
	// pre-batch value of keys whose update opted into history (nil marks a
	// key that did not exist).
	presence        map[string]crdt.Value
	presenceInverse map[string]*crdt.Value

	// created tracks nodes created in this batch so follow-up mutations can
	// target them before commit; tail chains inserts into such lists.
	created map[crdt.NodeID]crdt.NodeKind
	tail    map[crdt.NodeID]crdt.Position

	skipHistory bool
}

func newPendingBatch() *pendingBatch {
	return &pendingBatch{
		presence:        make(map[string]crdt.Value),
		presenceInverse: make(map[string]*crdt.Value),
		created:         make(map[crdt.NodeID]crdt.NodeKind),
		tail:            make(map[crdt.NodeID]crdt.Position),
	}
}

func (b *pendingBatch) empty() bool {
	return len(b.ops) == 0 && len(b.presence) == 0
}

// Batch runs fn with all storage and presence mutations buffered, then
// commits them atomically. If fn returns an error (or panics) the batch is
// discarded: nothing applies, nothing is sent, no history entry is made,
// and the error propagates. Nested calls fold into the outermost batch.
//
// Reads inside fn observe the pre-batch state; buffered operations apply in
// issuance order at commit.
func (r *Room) Batch(fn func() error) (err error) {
	r.beginBatch()
	committed := false
	defer func() {
		if !committed {
			r.endBatch(true)
		}
	}()

	if err = fn(); err != nil {
		return err
	}

	committed = true
	ns := r.endBatch(false)
	r.flush(ns)
	return nil
}

func (r *Room) beginBatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth++
	if r.depth == 1 {
		r.batch = newPendingBatch()
	}
}

func (r *Room) endBatch(discard bool) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth--
	if r.depth > 0 {
		return nil
	}
	b := r.batch
	r.batch = nil
	if discard || b == nil || b.empty() {
		return nil
	}
	return r.commitLocked(b)
}

// queueLocked routes freshly issued operations either into the open batch
// or through an immediate single-op commit.
func (r *Room) queueLocked(ops ...crdt.Op) []notification {
	if r.depth > 0 {
		r.batch.ops = append(r.batch.ops, ops...)
		return nil
	}
	b := newPendingBatch()
	b.ops = ops
	return r.commitLocked(b)
}

// commitLocked is the single settle point for local mutations: it applies
// the buffered operations optimistically in issuance order, records one
// history item of inverse operations, queues everything for
// acknowledgment-tracked delivery and bundles one outgoing message.
func (r *Room) commitLocked(b *pendingBatch) []notification {
	var ns []notification
	var inverses []crdt.Op
	changed := make(map[crdt.NodeID]bool)

	for _, op := range b.ops {
		inv, invertible := r.tree.Invert(op)
		res, err := r.tree.Apply(op)
		if err != nil {
			// Locally issued operations are validated before they are
			// queued, so this is a bug, not a recoverable condition.
			r.log.WithError(err).WithField("op", op.Type).Error("local apply failed")
			ns = append(ns, notification{TopicError, error(&ConflictError{Err: err})})
			continue
		}
		if invertible {
			inverses = append([]crdt.Op{inv}, inverses...)
		}
		for _, node := range res.Changed {
			changed[node] = true
		}
	}
	r.outbox = append(r.outbox, b.ops...)

	if len(b.presence) > 0 {
		for key, value := range b.presence {
			r.self[key] = value
		}
		ns = append(ns, notification{TopicMyPresence, r.presenceLocked()})
	}

	if !b.skipHistory {
		ns = append(ns, r.hist.record(historyItem{ops: inverses, presence: b.presenceInverse})...)
	}

	msg := commons.Message{Ops: b.ops, Presence: b.presence, Actor: r.actor}
	if len(b.ops) > 0 {
		msg.Type = commons.OpMessage
	} else {
		msg.Type = commons.PresenceDeltaMessage
	}
	r.sendLocked(msg)

	for node := range changed {
		ns = append(ns, notification{StorageTopic(node), node})
	}
	return ns
}

// seedStorageLocked populates an empty room from EnterOptions. The seed
// commits like a normal batch, minus undo.
func (r *Room) seedStorageLocked() []notification {
	keys := make([]string, 0, len(r.seed))
	for key := range r.seed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	b := newPendingBatch()
	b.skipHistory = true
	for _, key := range keys {
		b.ops = append(b.ops, crdt.Op{
			Type:  crdt.OpSetKey,
			ID:    r.clock.Tick(),
			Node:  crdt.RootNodeID,
			Key:   key,
			Value: r.seed[key],
		})
	}
	return r.commitLocked(b)
}
