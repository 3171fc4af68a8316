package crdt

// OpType discriminates the operation variants.
type OpType string

const (
	OpCreateNode OpType = "createNode"
	OpSetKey     OpType = "setKey"
	OpDeleteKey  OpType = "deleteKey"
	OpListInsert OpType = "listInsert"
	OpListDelete OpType = "listDelete"
	OpListSet    OpType = "listSet"
	OpListMove   OpType = "listMove"
)

// Op is the unit of network transmission, conflict resolution and undo.
// Node is the target node; which payload fields matter depends on Type:
//
//   - createNode: NewNode, Kind, and the attachment point in the parent
//     (Key for object/map parents, Pos for list parents)
//   - setKey/deleteKey: Key (and Value for setKey)
//   - listInsert: Pos (the new element's stable key) and Value
//   - listDelete: Pos
//   - listSet: Pos and Value
//   - listMove: Pos and NewPos (the new sort key)
type Op struct {
	Type OpType `json:"type"`
	ID   OpID   `json:"id"`
	Node NodeID `json:"node"`

	Key     string   `json:"key,omitempty"`
	Value   Value    `json:"value"`
	NewNode NodeID   `json:"newNode,omitempty"`
	Kind    NodeKind `json:"kind,omitempty"`
	Pos     Position `json:"pos,omitempty"`
	NewPos  Position `json:"newPos,omitempty"`
}
