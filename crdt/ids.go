package crdt

import "fmt"

// ActorID identifies the origin of an operation. The server assigns one
// per connection; it is used for conflict tie-breaking and presence keying.
type ActorID int

// OpID uniquely identifies an operation as an (actor, sequence) pair.
// Within an actor the sequence is strictly increasing, so OpIDs form a
// total order per actor and a causal partial order across actors.
type OpID struct {
	Actor ActorID `json:"actor"`
	Seq   uint64  `json:"seq"`
}

// After reports whether o wins a last-writer-wins comparison against other.
// Higher sequence wins; a tie breaks on the higher actor.
func (o OpID) After(other OpID) bool {
	if o.Seq != other.Seq {
		return o.Seq > other.Seq
	}
	return o.Actor > other.Actor
}

// IsZero reports whether o is the zero OpID, which no real operation carries.
func (o OpID) IsZero() bool {
	return o == OpID{}
}

func (o OpID) String() string {
	return fmt.Sprintf("%d:%d", o.Actor, o.Seq)
}

// Clock issues strictly increasing sequence numbers for one actor.
type Clock struct {
	actor ActorID
	seq   uint64
}

// NewClock returns a clock issuing ids for the given actor.
func NewClock(actor ActorID) *Clock {
	return &Clock{actor: actor}
}

// Actor returns the actor the clock issues ids for.
func (c *Clock) Actor() ActorID {
	return c.actor
}

// SetActor switches the issuing actor. The sequence counter is kept, so ids
// issued after a reconnect still dominate everything issued before it.
func (c *Clock) SetActor(actor ActorID) {
	c.actor = actor
}

// Tick returns the next OpID.
func (c *Clock) Tick() OpID {
	c.seq++
	return OpID{Actor: c.actor, Seq: c.seq}
}

// Witness advances the clock past a remotely observed id, so that ids issued
// later win last-writer-wins comparisons against everything already seen.
func (c *Clock) Witness(id OpID) {
	if id.Seq > c.seq {
		c.seq = id.Seq
	}
}

// NodeID globally identifies a node in the storage tree. NodeIDs are never
// reused; every node except the root derives its id from the operation that
// created it.
type NodeID string

// RootNodeID is the id of the root object of every storage tree.
const RootNodeID NodeID = "root"

// NewNodeID derives a node id from the operation creating the node.
func NewNodeID(id OpID) NodeID {
	return NodeID(id.String())
}
