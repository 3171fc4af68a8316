package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// scripted is one generated operation plus the index of the operation it
// depends on (-1 for none). Deliveries may be reordered arbitrarily as long
// as an operation arrives after the one that created its target, which is
// what the per-connection FIFO between client and server guarantees.
type scripted struct {
	op  Op
	dep int
}

func generateScript(t *testing.T, rng *rand.Rand, actors int, steps int) []scripted {
	t.Helper()

	scratch := NewTree()
	clocks := make([]*Clock, actors)
	for i := range clocks {
		clocks[i] = NewClock(ActorID(i + 1))
	}

	var script []scripted
	emit := func(op Op, dep int) int {
		if _, err := scratch.Apply(op); err != nil {
			t.Fatalf("script op %s: %v", op.Type, err)
		}
		script = append(script, scripted{op: op, dep: dep})
		return len(script) - 1
	}

	// One shared list everything else hangs off; its create is op 0.
	listID := NewNodeID(OpID{Actor: 1, Seq: 1})
	listDep := emit(Op{
		Type: OpCreateNode, ID: clocks[0].Tick(), Node: RootNodeID,
		Key: "items", NewNode: listID, Kind: NodeList,
	}, -1)

	// Creating insert index per live item, keyed by stable position string.
	inserts := make(map[string]int)
	posKey := func(p Position) string { return fmt.Sprintf("%v", p) }
	keys := []string{"a", "b", "c", "d"}

	for i := 0; i < steps; i++ {
		clock := clocks[rng.Intn(actors)]
		sorts, _ := scratch.VisibleSorts(listID)

		switch choice := rng.Intn(10); {
		case choice < 3: // set a root key
			emit(Op{
				Type: OpSetKey, ID: clock.Tick(), Node: RootNodeID,
				Key: keys[rng.Intn(len(keys))], Value: Number(float64(i)),
			}, -1)

		case choice < 4: // delete a root key
			emit(Op{
				Type: OpDeleteKey, ID: clock.Tick(), Node: RootNodeID,
				Key: keys[rng.Intn(len(keys))],
			}, -1)

		case choice < 7 || len(sorts) == 0: // insert into the list
			at := rng.Intn(len(sorts) + 1)
			var left, right Position
			if at > 0 {
				left = sorts[at-1]
			}
			if at < len(sorts) {
				right = sorts[at]
			}
			id := clock.Tick()
			pos := Between(left, right, id)
			dep := emit(Op{Type: OpListInsert, ID: id, Node: listID, Pos: pos, Value: Number(float64(i))}, listDep)
			inserts[posKey(pos)] = dep

		default: // mutate an existing visible element
			index := rng.Intn(len(sorts))
			_, target, ok := scratch.ItemAt(listID, index)
			if !ok {
				t.Fatalf("visible element %d vanished", index)
			}
			dep := inserts[posKey(target)]
			switch rng.Intn(3) {
			case 0:
				emit(Op{Type: OpListDelete, ID: clock.Tick(), Node: listID, Pos: target}, dep)
			case 1:
				emit(Op{Type: OpListSet, ID: clock.Tick(), Node: listID, Pos: target, Value: String("set")}, dep)
			default:
				gap := rng.Intn(len(sorts) + 1)
				var left, right Position
				if gap > 0 {
					left = sorts[gap-1]
				}
				if gap < len(sorts) {
					right = sorts[gap]
				}
				id := clock.Tick()
				emit(Op{Type: OpListMove, ID: id, Node: listID, Pos: target, NewPos: Between(left, right, id)}, dep)
			}
		}
	}
	return script
}

// shuffleDelivery returns a random order of script indexes where every
// operation comes after its dependency.
func shuffleDelivery(rng *rand.Rand, script []scripted) []int {
	delivered := make([]bool, len(script))
	order := make([]int, 0, len(script))
	pending := make([]int, len(script))
	for i := range pending {
		pending[i] = i
	}
	for len(pending) > 0 {
		// Pick a uniformly random pending op whose dependency has arrived.
		picked := -1
		for _, try := range rng.Perm(len(pending)) {
			idx := pending[try]
			if dep := script[idx].dep; dep == -1 || delivered[dep] {
				picked = try
				break
			}
		}
		idx := pending[picked]
		pending = append(pending[:picked], pending[picked+1:]...)
		delivered[idx] = true
		order = append(order, idx)
	}
	return order
}

func TestConvergenceUnderReordering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	script := generateScript(t, rng, 3, 200)

	reference := NewTree()
	for _, s := range script {
		if _, err := reference.Apply(s.op); err != nil {
			t.Fatalf("reference apply: %v", err)
		}
	}
	want := materializeRoot(t, reference)

	for replica := 0; replica < 8; replica++ {
		tree := NewTree()
		for _, idx := range shuffleDelivery(rng, script) {
			if _, err := tree.Apply(script[idx].op); err != nil {
				t.Fatalf("replica %d apply: %v", replica, err)
			}
		}
		got := materializeRoot(t, tree)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("replica %d diverged (-want +got):\n%s", replica, diff)
		}
	}
}

func TestConvergenceUnderDuplicateDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	script := generateScript(t, rng, 2, 120)

	reference := NewTree()
	for _, s := range script {
		if _, err := reference.Apply(s.op); err != nil {
			t.Fatalf("reference apply: %v", err)
		}
	}
	want := materializeRoot(t, reference)

	tree := NewTree()
	var seen []Op
	for _, idx := range shuffleDelivery(rng, script) {
		if _, err := tree.Apply(script[idx].op); err != nil {
			t.Fatalf("apply: %v", err)
		}
		seen = append(seen, script[idx].op)
		// Re-deliver a random already-seen op; application is idempotent.
		if _, err := tree.Apply(seen[rng.Intn(len(seen))]); err != nil {
			t.Fatalf("duplicate apply: %v", err)
		}
	}
	if diff := cmp.Diff(want, materializeRoot(t, tree)); diff != "" {
		t.Errorf("duplicates changed the outcome (-want +got):\n%s", diff)
	}
}
