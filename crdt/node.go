package crdt

// NodeKind discriminates the live node variants.
type NodeKind int

const (
	NodeObject NodeKind = iota + 1
	NodeMap
	NodeList
)

func (k NodeKind) String() string {
	switch k {
	case NodeObject:
		return "object"
	case NodeMap:
		return "map"
	case NodeList:
		return "list"
	}
	return "invalid"
}

// mapEntry is one key slot of an object or map node. Deleted keys stay as
// tombstones so a late concurrent write with a smaller id still loses.
type mapEntry struct {
	value   Value
	last    OpID
	deleted bool
}

// listItem is one element slot of a list node. The element is addressed by
// its stable insert position (id) forever; moves only change the sort key.
// Value-affecting ops (insert, set, delete) and moves race on separate
// last-writer clocks so the two kinds of edits commute.
type listItem struct {
	id      Position
	sort    Position
	value   Value
	lastVal OpID
	lastMov OpID
	deleted bool
}

// Node is one live node of the storage tree. Parent and ParentKey are
// back-references for navigation only; ownership lives in the parent's
// entry or item holding the reference.
type Node struct {
	ID        NodeID
	Kind      NodeKind
	Parent    NodeID
	ParentKey string

	entries map[string]*mapEntry
	items   []*listItem
}

func newNode(id NodeID, kind NodeKind, parent NodeID, parentKey string) *Node {
	n := &Node{ID: id, Kind: kind, Parent: parent, ParentKey: parentKey}
	if kind == NodeList {
		return n
	}
	n.entries = make(map[string]*mapEntry)
	return n
}

// Len returns the number of visible list elements, or live keys for object
// and map nodes.
func (n *Node) Len() int {
	if n.Kind == NodeList {
		count := 0
		for _, item := range n.items {
			if !item.deleted {
				count++
			}
		}
		return count
	}
	count := 0
	for _, e := range n.entries {
		if !e.deleted {
			count++
		}
	}
	return count
}

// itemByID finds the element with the given stable position key.
func (n *Node) itemByID(id Position) *listItem {
	for _, item := range n.items {
		if item.id.Equal(id) {
			return item
		}
	}
	return nil
}

// visibleAt returns the ith visible element.
func (n *Node) visibleAt(index int) *listItem {
	count := 0
	for _, item := range n.items {
		if item.deleted {
			continue
		}
		if count == index {
			return item
		}
		count++
	}
	return nil
}

// insertSorted places the item by its sort key.
func (n *Node) insertSorted(item *listItem) {
	at := len(n.items)
	for i, existing := range n.items {
		if item.sort.Compare(existing.sort) < 0 {
			at = i
			break
		}
	}
	n.items = append(n.items, nil)
	copy(n.items[at+1:], n.items[at:])
	n.items[at] = item
}

// resort restores sort order after a move changed one item's sort key.
func (n *Node) resort(item *listItem) {
	for i, existing := range n.items {
		if existing == item {
			n.items = append(n.items[:i], n.items[i+1:]...)
			break
		}
	}
	n.insertSorted(item)
}
