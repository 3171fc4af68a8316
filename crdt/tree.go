package crdt

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownNode = errors.New("crdt: unknown node")
	ErrWrongKind   = errors.New("crdt: operation does not match node kind")
	ErrBadOp       = errors.New("crdt: malformed operation")
)

// Tree owns the live nodes of one storage root and applies operations to
// them. Application is commutative and idempotent under the rules below, so
// any two replicas that have seen the same set of operations materialize
// the same value regardless of arrival order. Tree itself is not
// goroutine-safe; the owning room serializes access.
type Tree struct {
	nodes map[NodeID]*Node
}

// NewTree returns a tree holding only the root object.
func NewTree() *Tree {
	t := &Tree{nodes: make(map[NodeID]*Node)}
	t.nodes[RootNodeID] = newNode(RootNodeID, NodeObject, "", "")
	return t
}

// Root returns the root object node.
func (t *Tree) Root() *Node {
	return t.nodes[RootNodeID]
}

// Node looks up a node by id.
func (t *Tree) Node(id NodeID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Result reports the outcome of applying one operation.
type Result struct {
	// Applied is false when the operation was a duplicate or lost a
	// last-writer-wins race; state is unchanged in that case.
	Applied bool

	// Changed lists the nodes whose materialized value changed.
	Changed []NodeID
}

// Apply integrates one local or remote operation.
func (t *Tree) Apply(op Op) (Result, error) {
	switch op.Type {
	case OpCreateNode:
		return t.applyCreateNode(op)
	case OpSetKey:
		return t.applySetKey(op)
	case OpDeleteKey:
		return t.applyDeleteKey(op)
	case OpListInsert:
		return t.applyListInsert(op)
	case OpListDelete:
		return t.applyListDelete(op)
	case OpListSet:
		return t.applyListSet(op)
	case OpListMove:
		return t.applyListMove(op)
	}
	return Result{}, fmt.Errorf("%w: type %q", ErrBadOp, op.Type)
}

func (t *Tree) applyCreateNode(op Op) (Result, error) {
	parent, ok := t.nodes[op.Node]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownNode, op.Node)
	}
	if op.NewNode == "" || op.Kind.String() == "invalid" {
		return Result{}, fmt.Errorf("%w: createNode payload", ErrBadOp)
	}

	// Creation is idempotent per node id; a replay only re-races the
	// attachment below (undo detaches, redo replays the create).
	if _, exists := t.nodes[op.NewNode]; !exists {
		t.nodes[op.NewNode] = newNode(op.NewNode, op.Kind, op.Node, op.Key)
	}

	ref := Ref(op.NewNode)
	if parent.Kind == NodeList {
		if op.Pos == nil {
			return Result{}, fmt.Errorf("%w: createNode in list without pos", ErrBadOp)
		}
		return t.upsertItem(parent, op.Pos, ref, op.ID)
	}
	if op.Key == "" {
		return Result{}, fmt.Errorf("%w: createNode without key", ErrBadOp)
	}
	return t.upsertEntry(parent, op.Key, ref, op.ID, false)
}

func (t *Tree) applySetKey(op Op) (Result, error) {
	node, err := t.keyedNode(op)
	if err != nil {
		return Result{}, err
	}
	return t.upsertEntry(node, op.Key, op.Value, op.ID, false)
}

func (t *Tree) applyDeleteKey(op Op) (Result, error) {
	node, err := t.keyedNode(op)
	if err != nil {
		return Result{}, err
	}
	// A delete competes like a write of a tombstone, so a concurrent set
	// with a smaller id loses against it even if it arrives later.
	return t.upsertEntry(node, op.Key, Null(), op.ID, true)
}

func (t *Tree) keyedNode(op Op) (*Node, error) {
	node, ok := t.nodes[op.Node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, op.Node)
	}
	if node.Kind == NodeList {
		return nil, fmt.Errorf("%w: %s on list %s", ErrWrongKind, op.Type, op.Node)
	}
	if op.Key == "" {
		return nil, fmt.Errorf("%w: %s without key", ErrBadOp, op.Type)
	}
	return node, nil
}

func (t *Tree) upsertEntry(node *Node, key string, value Value, id OpID, delete bool) (Result, error) {
	entry := node.entries[key]
	if entry == nil {
		if delete {
			// Tombstone for a key never seen; nothing visible changes but
			// earlier concurrent writes to the key must still lose.
			node.entries[key] = &mapEntry{last: id, deleted: true}
			return Result{}, nil
		}
		node.entries[key] = &mapEntry{value: value, last: id}
		return Result{Applied: true, Changed: []NodeID{node.ID}}, nil
	}
	if !id.After(entry.last) {
		return Result{}, nil
	}
	visible := !entry.deleted && !delete && !entry.value.Equal(value)
	changed := entry.deleted != delete || visible
	entry.value = value
	entry.last = id
	entry.deleted = delete
	if delete {
		entry.value = Null()
	}
	if !changed {
		return Result{Applied: true}, nil
	}
	return Result{Applied: true, Changed: []NodeID{node.ID}}, nil
}

func (t *Tree) listNode(op Op) (*Node, error) {
	node, ok := t.nodes[op.Node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, op.Node)
	}
	if node.Kind != NodeList {
		return nil, fmt.Errorf("%w: %s on %s %s", ErrWrongKind, op.Type, node.Kind, op.Node)
	}
	if op.Pos == nil {
		return nil, fmt.Errorf("%w: %s without pos", ErrBadOp, op.Type)
	}
	return node, nil
}

func (t *Tree) applyListInsert(op Op) (Result, error) {
	node, err := t.listNode(op)
	if err != nil {
		return Result{}, err
	}
	return t.upsertItem(node, op.Pos, op.Value, op.ID)
}

// upsertItem integrates an insert (or a set racing with one) at a stable
// position key. A replay of the original insert is a no-op; a fresh id
// revives a tombstoned element, which is how undo of a delete works.
func (t *Tree) upsertItem(node *Node, pos Position, value Value, id OpID) (Result, error) {
	item := node.itemByID(pos)
	if item == nil {
		item = &listItem{id: pos, sort: pos, value: value, lastVal: id}
		node.insertSorted(item)
		return Result{Applied: true, Changed: []NodeID{node.ID}}, nil
	}
	if !id.After(item.lastVal) {
		return Result{}, nil
	}
	item.value = value
	item.lastVal = id
	item.deleted = false
	return Result{Applied: true, Changed: []NodeID{node.ID}}, nil
}

func (t *Tree) applyListDelete(op Op) (Result, error) {
	node, err := t.listNode(op)
	if err != nil {
		return Result{}, err
	}
	item := node.itemByID(op.Pos)
	if item == nil {
		// Deleting a position never seen is a no-op; the position key is
		// unique so there is nothing a tombstone would need to defeat.
		return Result{}, nil
	}
	if !op.ID.After(item.lastVal) {
		return Result{}, nil
	}
	wasVisible := !item.deleted
	item.deleted = true
	item.value = Null()
	item.lastVal = op.ID
	if !wasVisible {
		return Result{Applied: true}, nil
	}
	return Result{Applied: true, Changed: []NodeID{node.ID}}, nil
}

// applyListSet replaces the value held at a position. This is NOT the same
// edit as delete-plus-insert: a peer that expresses the change the legacy
// way produces a fresh position key, and replicas mixing the two styles can
// diverge on which element survives. The skew is kept observable on
// purpose; see the room package's SetAt.
func (t *Tree) applyListSet(op Op) (Result, error) {
	node, err := t.listNode(op)
	if err != nil {
		return Result{}, err
	}
	return t.upsertItem(node, op.Pos, op.Value, op.ID)
}

func (t *Tree) applyListMove(op Op) (Result, error) {
	node, err := t.listNode(op)
	if err != nil {
		return Result{}, err
	}
	if op.NewPos == nil {
		return Result{}, fmt.Errorf("%w: listMove without newPos", ErrBadOp)
	}
	item := node.itemByID(op.Pos)
	if item == nil {
		return Result{}, nil
	}
	if !op.ID.After(item.lastMov) {
		return Result{}, nil
	}
	item.sort = op.NewPos
	item.lastMov = op.ID
	node.resort(item)
	if item.deleted {
		return Result{Applied: true}, nil
	}
	return Result{Applied: true, Changed: []NodeID{node.ID}}, nil
}

// Invert returns the operation that undoes op against the tree's current
// state. It must be called before op is applied. The returned op carries no
// id; the caller stamps a fresh one when the inverse is replayed. ok is
// false when there is nothing to restore.
func (t *Tree) Invert(op Op) (Op, bool) {
	switch op.Type {
	case OpCreateNode:
		parent, ok := t.nodes[op.Node]
		if !ok {
			return Op{}, false
		}
		if parent.Kind == NodeList {
			return Op{Type: OpListDelete, Node: op.Node, Pos: op.Pos}, true
		}
		return Op{Type: OpDeleteKey, Node: op.Node, Key: op.Key}, true

	case OpSetKey, OpDeleteKey:
		node, ok := t.nodes[op.Node]
		if !ok || node.Kind == NodeList {
			return Op{}, false
		}
		entry := node.entries[op.Key]
		if entry == nil || entry.deleted {
			if op.Type == OpDeleteKey {
				return Op{}, false
			}
			return Op{Type: OpDeleteKey, Node: op.Node, Key: op.Key}, true
		}
		return Op{Type: OpSetKey, Node: op.Node, Key: op.Key, Value: entry.value}, true

	case OpListInsert:
		return Op{Type: OpListDelete, Node: op.Node, Pos: op.Pos}, true

	case OpListDelete:
		item := t.liveItem(op)
		if item == nil {
			return Op{}, false
		}
		return Op{Type: OpListInsert, Node: op.Node, Pos: op.Pos, Value: item.value}, true

	case OpListSet:
		item := t.liveItem(op)
		if item == nil {
			return Op{}, false
		}
		return Op{Type: OpListSet, Node: op.Node, Pos: op.Pos, Value: item.value}, true

	case OpListMove:
		item := t.liveItem(op)
		if item == nil {
			return Op{}, false
		}
		return Op{Type: OpListMove, Node: op.Node, Pos: op.Pos, NewPos: item.sort}, true
	}
	return Op{}, false
}

func (t *Tree) liveItem(op Op) *listItem {
	node, ok := t.nodes[op.Node]
	if !ok || node.Kind != NodeList {
		return nil
	}
	item := node.itemByID(op.Pos)
	if item == nil || item.deleted {
		return nil
	}
	return item
}

// Materialize returns the fully resolved value of a node, with live
// references expanded into their children's materialized values. The
// result is a pure function of the set of applied operations.
func (t *Tree) Materialize(nodeID NodeID) (Value, bool) {
	node, ok := t.nodes[nodeID]
	if !ok {
		return Value{}, false
	}
	return t.materializeNode(node), true
}

func (t *Tree) materializeNode(node *Node) Value {
	if node.Kind == NodeList {
		items := make([]Value, 0, len(node.items))
		for _, item := range node.items {
			if item.deleted {
				continue
			}
			items = append(items, t.resolve(item.value))
		}
		return PlainList(items...)
	}
	m := make(map[string]Value, len(node.entries))
	for key, entry := range node.entries {
		if entry.deleted {
			continue
		}
		m[key] = t.resolve(entry.value)
	}
	return PlainMap(m)
}

func (t *Tree) resolve(v Value) Value {
	if v.Kind != KindRef {
		return v
	}
	child, ok := t.nodes[v.Ref]
	if !ok {
		return Null()
	}
	return t.materializeNode(child)
}

// ValueAt returns the raw (unresolved) value stored under a key.
func (t *Tree) ValueAt(nodeID NodeID, key string) (Value, bool) {
	node, ok := t.nodes[nodeID]
	if !ok || node.Kind == NodeList {
		return Value{}, false
	}
	entry := node.entries[key]
	if entry == nil || entry.deleted {
		return Value{}, false
	}
	return entry.value, true
}

// ItemAt returns the raw value and stable position of the ith visible list
// element.
func (t *Tree) ItemAt(nodeID NodeID, index int) (Value, Position, bool) {
	node, ok := t.nodes[nodeID]
	if !ok || node.Kind != NodeList {
		return Value{}, nil, false
	}
	item := node.visibleAt(index)
	if item == nil {
		return Value{}, nil, false
	}
	return item.value, item.id, true
}

// VisibleSorts returns the sort keys of the visible list elements in
// order, for computing insertion gaps.
func (t *Tree) VisibleSorts(nodeID NodeID) ([]Position, bool) {
	node, ok := t.nodes[nodeID]
	if !ok || node.Kind != NodeList {
		return nil, false
	}
	sorts := make([]Position, 0, len(node.items))
	for _, item := range node.items {
		if !item.deleted {
			sorts = append(sorts, item.sort)
		}
	}
	return sorts, true
}

// Get navigates from the root by string keys and int list indexes and
// returns the materialized value at the path.
func (t *Tree) Get(path ...any) (Value, bool) {
	current := Ref(RootNodeID)
	for _, step := range path {
		node, ok := t.stepNode(current)
		if !ok {
			return Value{}, false
		}
		switch s := step.(type) {
		case string:
			if node == nil || node.Kind == NodeList {
				return Value{}, false
			}
			entry := node.entries[s]
			if entry == nil || entry.deleted {
				return Value{}, false
			}
			current = entry.value
		case int:
			if node == nil || node.Kind != NodeList {
				return Value{}, false
			}
			item := node.visibleAt(s)
			if item == nil {
				return Value{}, false
			}
			current = item.value
		default:
			return Value{}, false
		}
	}
	return t.resolve(current), true
}

func (t *Tree) stepNode(v Value) (*Node, bool) {
	if v.Kind != KindRef {
		return nil, false
	}
	node, ok := t.nodes[v.Ref]
	return node, ok
}

// MaxSeq returns the highest operation sequence witnessed anywhere in the
// tree, used to seed a clock from a snapshot.
func (t *Tree) MaxSeq() uint64 {
	var max uint64
	for _, node := range t.nodes {
		for _, entry := range node.entries {
			if entry.last.Seq > max {
				max = entry.last.Seq
			}
		}
		for _, item := range node.items {
			if item.lastVal.Seq > max {
				max = item.lastVal.Seq
			}
			if item.lastMov.Seq > max {
				max = item.lastMov.Seq
			}
		}
	}
	return max
}

// Snapshot is a full serialized replica of a tree, exact enough that a
// fresh replica loaded from it keeps resolving conflicts identically.
type Snapshot struct {
	Nodes []NodeSnapshot `json:"nodes"`
}

type NodeSnapshot struct {
	ID        NodeID          `json:"id"`
	Kind      NodeKind        `json:"kind"`
	Parent    NodeID          `json:"parent,omitempty"`
	ParentKey string          `json:"parentKey,omitempty"`
	Entries   []EntrySnapshot `json:"entries,omitempty"`
	Items     []ItemSnapshot  `json:"items,omitempty"`
}

type EntrySnapshot struct {
	Key     string `json:"key"`
	Value   Value  `json:"value"`
	Last    OpID   `json:"last"`
	Deleted bool   `json:"deleted,omitempty"`
}

type ItemSnapshot struct {
	ID      Position `json:"id"`
	Sort    Position `json:"sort"`
	Value   Value    `json:"value"`
	LastVal OpID     `json:"lastVal"`
	LastMov OpID     `json:"lastMov"`
	Deleted bool     `json:"deleted,omitempty"`
}

// Snapshot serializes the whole tree deterministically.
func (t *Tree) Snapshot() Snapshot {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	snap := Snapshot{Nodes: make([]NodeSnapshot, 0, len(ids))}
	for _, id := range ids {
		node := t.nodes[NodeID(id)]
		ns := NodeSnapshot{
			ID:        node.ID,
			Kind:      node.Kind,
			Parent:    node.Parent,
			ParentKey: node.ParentKey,
		}
		keys := make([]string, 0, len(node.entries))
		for key := range node.entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			entry := node.entries[key]
			ns.Entries = append(ns.Entries, EntrySnapshot{
				Key: key, Value: entry.value, Last: entry.last, Deleted: entry.deleted,
			})
		}
		for _, item := range node.items {
			ns.Items = append(ns.Items, ItemSnapshot{
				ID: item.id, Sort: item.sort, Value: item.value,
				LastVal: item.lastVal, LastMov: item.lastMov, Deleted: item.deleted,
			})
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}

// FromSnapshot rebuilds a replica from a snapshot.
func FromSnapshot(snap Snapshot) (*Tree, error) {
	t := &Tree{nodes: make(map[NodeID]*Node, len(snap.Nodes))}
	for _, ns := range snap.Nodes {
		if ns.ID == "" {
			return nil, fmt.Errorf("%w: snapshot node without id", ErrBadOp)
		}
		node := newNode(ns.ID, ns.Kind, ns.Parent, ns.ParentKey)
		for _, es := range ns.Entries {
			node.entries[es.Key] = &mapEntry{value: es.Value, last: es.Last, deleted: es.Deleted}
		}
		for _, is := range ns.Items {
			node.insertSorted(&listItem{
				id: is.ID, sort: is.Sort, value: is.Value,
				lastVal: is.LastVal, lastMov: is.LastMov, deleted: is.Deleted,
			})
		}
		t.nodes[ns.ID] = node
	}
	if _, ok := t.nodes[RootNodeID]; !ok {
		t.nodes[RootNodeID] = newNode(RootNodeID, NodeObject, "", "")
	}
	return t, nil
}
