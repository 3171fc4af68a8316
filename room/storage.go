package room

import (
	"errors"
	"fmt"

	"github.com/kachar/liveblocks/crdt"
)

var (
	ErrNoElement = errors.New("room: no list element at index")
	ErrLiveValue = errors.New("room: live references are created with the Create methods")
)

// Mutators apply optimistically, notify subscribers, and ship on the wire
// (or join the open batch). Misuse, such as an unknown node, a kind
// mismatch or a bad index, fails synchronously at the call site.

// CreateObject creates a live object attached under a key of an object or
// map node and returns its id.
func (r *Room) CreateObject(parent crdt.NodeID, key string) (crdt.NodeID, error) {
	return r.createKeyed(crdt.NodeObject, parent, key)
}

// CreateMap creates a live map attached under a key.
func (r *Room) CreateMap(parent crdt.NodeID, key string) (crdt.NodeID, error) {
	return r.createKeyed(crdt.NodeMap, parent, key)
}

// CreateList creates a live list attached under a key.
func (r *Room) CreateList(parent crdt.NodeID, key string) (crdt.NodeID, error) {
	return r.createKeyed(crdt.NodeList, parent, key)
}

// CreateObjectAt creates a live object as a list element.
func (r *Room) CreateObjectAt(list crdt.NodeID, index int) (crdt.NodeID, error) {
	return r.createInList(crdt.NodeObject, list, index)
}

// CreateMapAt creates a live map as a list element.
func (r *Room) CreateMapAt(list crdt.NodeID, index int) (crdt.NodeID, error) {
	return r.createInList(crdt.NodeMap, list, index)
}

// CreateListAt creates a live list as a list element.
func (r *Room) CreateListAt(list crdt.NodeID, index int) (crdt.NodeID, error) {
	return r.createInList(crdt.NodeList, list, index)
}

// Set writes a key of an object or map node. Concurrent writes to the same
// key resolve last-writer-wins.
func (r *Room) Set(node crdt.NodeID, key string, value crdt.Value) error {
	if value.Kind == crdt.KindRef {
		return ErrLiveValue
	}
	r.mu.Lock()
	op, err := r.keyedOpLocked(crdt.OpSetKey, node, key)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	op.Value = value
	ns := r.queueLocked(op)
	r.mu.Unlock()
	r.flush(ns)
	return nil
}

// Delete removes a key of an object or map node.
func (r *Room) Delete(node crdt.NodeID, key string) error {
	r.mu.Lock()
	op, err := r.keyedOpLocked(crdt.OpDeleteKey, node, key)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ns := r.queueLocked(op)
	r.mu.Unlock()
	r.flush(ns)
	return nil
}

// InsertAt inserts a value at an index. The element gets a stable position
// key between its neighbors, so concurrent inserts at the same index both
// survive in an order decided by the issuing (seq, actor).
func (r *Room) InsertAt(list crdt.NodeID, index int, value crdt.Value) error {
	if value.Kind == crdt.KindRef {
		return ErrLiveValue
	}
	r.mu.Lock()
	id := r.clock.Tick()
	pos, err := r.positionForLocked(list, index, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ns := r.queueLocked(crdt.Op{
		Type: crdt.OpListInsert, ID: id, Node: list, Pos: pos, Value: value,
	})
	r.mu.Unlock()
	r.flush(ns)
	return nil
}

// DeleteAt removes the element at an index. Deleting a position that a
// concurrent edit already removed is a no-op on every replica.
func (r *Room) DeleteAt(list crdt.NodeID, index int) error {
	r.mu.Lock()
	pos, err := r.elementAtLocked(list, index)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ns := r.queueLocked(crdt.Op{
		Type: crdt.OpListDelete, ID: r.clock.Tick(), Node: list, Pos: pos,
	})
	r.mu.Unlock()
	r.flush(ns)
	return nil
}

// SetAt replaces the value of the element at an index, in place. This is
// deliberately NOT delete-plus-insert: the position key survives, so two
// replicas racing a SetAt resolve last-writer-wins on one element. A peer
// running an older client that expresses the same edit as delete-plus-
// insert mints a new position instead, and mixing the two styles across
// versions can leave replicas with different survivors. Known skew, kept
// observable rather than papered over.
func (r *Room) SetAt(list crdt.NodeID, index int, value crdt.Value) error {
	if value.Kind == crdt.KindRef {
		return ErrLiveValue
	}
	r.mu.Lock()
	pos, err := r.elementAtLocked(list, index)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ns := r.queueLocked(crdt.Op{
		Type: crdt.OpListSet, ID: r.clock.Tick(), Node: list, Pos: pos, Value: value,
	})
	r.mu.Unlock()
	r.flush(ns)
	return nil
}

// MoveAt repositions the element at index from so it lands at index to.
// Concurrent moves of the same element resolve last-writer-wins on the
// position.
func (r *Room) MoveAt(list crdt.NodeID, from, to int) error {
	r.mu.Lock()
	pos, err := r.elementAtLocked(list, from)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	sorts, _ := r.tree.VisibleSorts(list)
	if to < 0 {
		to = 0
	}
	if to >= len(sorts) {
		to = len(sorts) - 1
	}
	// Compute the gap as if the moved element were already out.
	rest := make([]crdt.Position, 0, len(sorts)-1)
	for i, s := range sorts {
		if i != from {
			rest = append(rest, s)
		}
	}
	var left, right crdt.Position
	if to > 0 {
		left = rest[to-1]
	}
	if to < len(rest) {
		right = rest[to]
	}
	id := r.clock.Tick()
	ns := r.queueLocked(crdt.Op{
		Type: crdt.OpListMove, ID: id, Node: list, Pos: pos, NewPos: crdt.Between(left, right, id),
	})
	r.mu.Unlock()
	r.flush(ns)
	return nil
}

// Value returns the raw value stored under a key; a nested live node shows
// as a reference.
func (r *Room) Value(node crdt.NodeID, key string) (crdt.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.ValueAt(node, key)
}

// ItemAt returns the raw value of the ith visible list element.
func (r *Room) ItemAt(list crdt.NodeID, index int) (crdt.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, _, ok := r.tree.ItemAt(list, index)
	return value, ok
}

// ListLen returns the number of visible elements (or live keys).
func (r *Room) ListLen(node crdt.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.tree.Node(node); ok {
		return n.Len()
	}
	return 0
}

// Get navigates from the storage root by string keys and int indexes and
// returns the materialized value at the path.
func (r *Room) Get(path ...any) (crdt.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Get(path...)
}

// Materialize returns the fully resolved value of a node.
func (r *Room) Materialize(node crdt.NodeID) (crdt.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Materialize(node)
}

func (r *Room) createKeyed(kind crdt.NodeKind, parent crdt.NodeID, key string) (crdt.NodeID, error) {
	r.mu.Lock()
	parentKind, err := r.nodeKindLocked(parent)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	if parentKind == crdt.NodeList {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: keyed create on list %s", crdt.ErrWrongKind, parent)
	}
	if key == "" {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: empty key", crdt.ErrBadOp)
	}
	id := r.clock.Tick()
	newID := crdt.NewNodeID(id)
	if r.depth > 0 {
		r.batch.created[newID] = kind
	}
	ns := r.queueLocked(crdt.Op{
		Type: crdt.OpCreateNode, ID: id, Node: parent, Key: key, Kind: kind, NewNode: newID,
	})
	r.mu.Unlock()
	r.flush(ns)
	return newID, nil
}

func (r *Room) createInList(kind crdt.NodeKind, list crdt.NodeID, index int) (crdt.NodeID, error) {
	r.mu.Lock()
	id := r.clock.Tick()
	pos, err := r.positionForLocked(list, index, id)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	newID := crdt.NewNodeID(id)
	if r.depth > 0 {
		r.batch.created[newID] = kind
	}
	ns := r.queueLocked(crdt.Op{
		Type: crdt.OpCreateNode, ID: id, Node: list, Pos: pos, Kind: kind, NewNode: newID,
	})
	r.mu.Unlock()
	r.flush(ns)
	return newID, nil
}

// nodeKindLocked resolves a node's kind, seeing through nodes created
// earlier in the open batch.
func (r *Room) nodeKindLocked(id crdt.NodeID) (crdt.NodeKind, error) {
	if r.depth > 0 {
		if kind, ok := r.batch.created[id]; ok {
			return kind, nil
		}
	}
	node, ok := r.tree.Node(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", crdt.ErrUnknownNode, id)
	}
	return node.Kind, nil
}

func (r *Room) keyedOpLocked(opType crdt.OpType, node crdt.NodeID, key string) (crdt.Op, error) {
	kind, err := r.nodeKindLocked(node)
	if err != nil {
		return crdt.Op{}, err
	}
	if kind == crdt.NodeList {
		return crdt.Op{}, fmt.Errorf("%w: %s on list %s", crdt.ErrWrongKind, opType, node)
	}
	if key == "" {
		return crdt.Op{}, fmt.Errorf("%w: empty key", crdt.ErrBadOp)
	}
	return crdt.Op{Type: opType, ID: r.clock.Tick(), Node: node, Key: key}, nil
}

// positionForLocked computes the stable position for an insert at index.
// Inside a batch, reads see the pre-batch list; inserts into a list created
// by the same batch chain after its last buffered insert.
func (r *Room) positionForLocked(list crdt.NodeID, index int, id crdt.OpID) (crdt.Position, error) {
	kind, err := r.nodeKindLocked(list)
	if err != nil {
		return nil, err
	}
	if kind != crdt.NodeList {
		return nil, fmt.Errorf("%w: insert into %s %s", crdt.ErrWrongKind, kind, list)
	}

	if r.depth > 0 {
		if _, created := r.batch.created[list]; created {
			pos := crdt.Between(r.batch.tail[list], nil, id)
			r.batch.tail[list] = pos
			return pos, nil
		}
	}

	sorts, _ := r.tree.VisibleSorts(list)
	if index < 0 {
		index = 0
	}
	if index > len(sorts) {
		index = len(sorts)
	}
	var left, right crdt.Position
	if index > 0 {
		left = sorts[index-1]
	}
	if index < len(sorts) {
		right = sorts[index]
	}
	return crdt.Between(left, right, id), nil
}

// elementAtLocked resolves the stable position of the ith visible element.
func (r *Room) elementAtLocked(list crdt.NodeID, index int) (crdt.Position, error) {
	kind, err := r.nodeKindLocked(list)
	if err != nil {
		return nil, err
	}
	if kind != crdt.NodeList {
		return nil, fmt.Errorf("%w: index into %s %s", crdt.ErrWrongKind, kind, list)
	}
	_, pos, ok := r.tree.ItemAt(list, index)
	if !ok {
		return nil, fmt.Errorf("%w: %d in %s", ErrNoElement, index, list)
	}
	return pos, nil
}
