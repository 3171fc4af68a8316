package room

import (
	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

// historyItem undoes one committed batch: inverse operations in the order
// they must apply, plus the inverse presence delta (nil value = key was
// absent). Inverse ops carry no id; a fresh one is stamped when replayed so
// the undo wins the last-writer-wins race against what it undoes.
type historyItem struct {
	ops      []crdt.Op
	presence map[string]*crdt.Value
}

func (it historyItem) empty() bool {
	return len(it.ops) == 0 && len(it.presence) == 0
}

// history is the bounded double-ended undo/redo stack pair.
type history struct {
	limit   int
	undo    []historyItem
	redo    []historyItem
	paused  bool
	pending historyItem
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) canUndo() bool { return len(h.undo) > 0 }
func (h *history) canRedo() bool { return len(h.redo) > 0 }

// HistoryState is published on TopicHistory whenever canUndo or canRedo
// flips.
type HistoryState struct {
	CanUndo bool
	CanRedo bool
}

// edge captures the state before a mutation so the caller can publish only
// on empty/non-empty transitions.
func (h *history) edge() HistoryState {
	return HistoryState{CanUndo: h.canUndo(), CanRedo: h.canRedo()}
}

func (h *history) edgeNotifications(before HistoryState) []notification {
	after := h.edge()
	if after == before {
		return nil
	}
	return []notification{{TopicHistory, after}}
}

// record files the inverse of a committed batch. While paused, consecutive
// batches coalesce into a single pending item that lands on resume, which
// is how a drag interaction becomes one undo step.
func (h *history) record(item historyItem) []notification {
	if item.empty() {
		return nil
	}
	if h.paused {
		// Later batches undo first.
		h.pending.ops = append(item.ops, h.pending.ops...)
		for key, value := range item.presence {
			if h.pending.presence == nil {
				h.pending.presence = make(map[string]*crdt.Value)
			}
			if _, seen := h.pending.presence[key]; !seen {
				h.pending.presence[key] = value
			}
		}
		return nil
	}
	before := h.edge()
	h.push(item)
	return h.edgeNotifications(before)
}

func (h *history) push(item historyItem) {
	h.undo = append(h.undo, item)
	if len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = nil
}

func (h *history) pause() {
	h.paused = true
}

func (h *history) resume() []notification {
	if !h.paused {
		return nil
	}
	h.paused = false
	if h.pending.empty() {
		return nil
	}
	before := h.edge()
	h.push(h.pending)
	h.pending = historyItem{}
	return h.edgeNotifications(before)
}

// History exposes the undo/redo surface of a room.
type History struct {
	r *Room
}

// History returns the room's history handle.
func (r *Room) History() History {
	return History{r: r}
}

// CanUndo reports whether an undo step is available.
func (h History) CanUndo() bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.hist.canUndo()
}

// CanRedo reports whether a redo step is available.
func (h History) CanRedo() bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.hist.canRedo()
}

// Pause stops committed batches from pushing new undo steps; mutations
// still apply and transmit. Resume coalesces everything committed while
// paused into one step.
func (h History) Pause() {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.r.hist.pause()
}

// Resume re-enables history and lands the coalesced pending step, if any.
func (h History) Resume() {
	h.r.mu.Lock()
	ns := h.r.hist.resume()
	h.r.mu.Unlock()
	h.r.flush(ns)
}

// Undo pops the top undo step, applies its inverse operations as one
// atomic local batch, re-sends them, and pushes the matching redo step.
func (h History) Undo() {
	h.r.mu.Lock()
	ns := h.r.stepHistoryLocked(true)
	h.r.mu.Unlock()
	h.r.flush(ns)
}

// Redo is symmetric to Undo.
func (h History) Redo() {
	h.r.mu.Lock()
	ns := h.r.stepHistoryLocked(false)
	h.r.mu.Unlock()
	h.r.flush(ns)
}

func (r *Room) stepHistoryLocked(isUndo bool) []notification {
	h := r.hist
	before := h.edge()

	var item historyItem
	if isUndo {
		if !h.canUndo() {
			return nil
		}
		item = h.undo[len(h.undo)-1]
		h.undo = h.undo[:len(h.undo)-1]
	} else {
		if !h.canRedo() {
			return nil
		}
		item = h.redo[len(h.redo)-1]
		h.redo = h.redo[:len(h.redo)-1]
	}

	var ns []notification
	counter := historyItem{}
	changed := make(map[crdt.NodeID]bool)

	ops := make([]crdt.Op, 0, len(item.ops))
	for _, op := range item.ops {
		op.ID = r.clock.Tick()
		inv, invertible := r.tree.Invert(op)
		res, err := r.tree.Apply(op)
		if err != nil {
			r.log.WithError(err).Error("history replay failed")
			ns = append(ns, notification{TopicError, error(&ConflictError{Err: err})})
			continue
		}
		ops = append(ops, op)
		if invertible {
			counter.ops = append([]crdt.Op{inv}, counter.ops...)
		}
		for _, node := range res.Changed {
			changed[node] = true
		}
	}
	r.outbox = append(r.outbox, ops...)

	var delta map[string]crdt.Value
	if len(item.presence) > 0 {
		delta = make(map[string]crdt.Value, len(item.presence))
		counter.presence = make(map[string]*crdt.Value, len(item.presence))
		for key, value := range item.presence {
			if prev, ok := r.self[key]; ok {
				prev := prev
				counter.presence[key] = &prev
			} else {
				counter.presence[key] = nil
			}
			if value == nil {
				delete(r.self, key)
				delta[key] = crdt.Null()
			} else {
				r.self[key] = *value
				delta[key] = *value
			}
		}
		ns = append(ns, notification{TopicMyPresence, r.presenceLocked()})
	}

	if !counter.empty() {
		if isUndo {
			h.redo = append(h.redo, counter)
		} else {
			h.undo = append(h.undo, counter)
		}
	}

	msg := commons.Message{Ops: ops, Presence: delta, Actor: r.actor}
	if len(ops) > 0 {
		msg.Type = commons.OpMessage
	} else {
		msg.Type = commons.PresenceDeltaMessage
	}
	r.sendLocked(msg)

	for node := range changed {
		ns = append(ns, notification{StorageTopic(node), node})
	}
	ns = append(ns, h.edgeNotifications(before)...)
	return ns
}
