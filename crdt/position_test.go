package crdt

import (
	"math/rand"
	"sort"
	"testing"
)

func TestBetweenHeadAndTail(t *testing.T) {
	id := OpID{Actor: 1, Seq: 1}
	pos := Between(nil, nil, id)

	if len(pos) != 1 {
		t.Fatalf("expected a single segment, got %v", pos)
	}
	if pos[0].Digit == 0 || pos[0].Digit >= maxDigit {
		t.Errorf("digit out of range: %v", pos[0].Digit)
	}
	if pos[0].Actor != 1 || pos[0].Seq != 1 {
		t.Errorf("segment not stamped with issuing id: %+v", pos[0])
	}
}

func TestBetweenIsStrictlyBetween(t *testing.T) {
	id := OpID{Actor: 1, Seq: 1}
	left := Between(nil, nil, id)
	right := Between(left, nil, OpID{Actor: 1, Seq: 2})

	for seq := uint64(3); seq < 20; seq++ {
		mid := Between(left, right, OpID{Actor: 1, Seq: seq})
		if left.Compare(mid) >= 0 {
			t.Fatalf("mid %v not after left %v", mid, left)
		}
		if mid.Compare(right) >= 0 {
			t.Fatalf("mid %v not before right %v", mid, right)
		}
		// Narrow the gap from alternating sides to force deep descents.
		if seq%2 == 0 {
			left = mid
		} else {
			right = mid
		}
	}
}

// TestBetweenConcurrentSameGap checks that two actors inserting into the
// same gap get distinct positions ordered by (seq, actor).
func TestBetweenConcurrentSameGap(t *testing.T) {
	anchor := Between(nil, nil, OpID{Actor: 1, Seq: 1})

	a := Between(anchor, nil, OpID{Actor: 2, Seq: 7})
	b := Between(anchor, nil, OpID{Actor: 3, Seq: 5})

	if a.Equal(b) {
		t.Fatalf("concurrent inserts produced the same position: %v", a)
	}
	// Lower seq sorts first regardless of which actor computed it.
	if b.Compare(a) >= 0 {
		t.Errorf("expected %v (seq 5) before %v (seq 7)", b, a)
	}

	c := Between(anchor, nil, OpID{Actor: 2, Seq: 5})
	// Equal seqs break the tie on actor.
	if c.Compare(b) >= 0 {
		t.Errorf("expected actor 2 before actor 3 at equal seq")
	}
}

func TestBetweenRepeatedHeadInsert(t *testing.T) {
	// Repeatedly inserting at the head descends through narrow gaps and
	// must stay strictly ordered without ever equaling the bound.
	var head Position
	var all []Position
	for seq := uint64(1); seq <= 100; seq++ {
		pos := Between(nil, head, OpID{Actor: 1, Seq: seq})
		if head != nil && pos.Compare(head) >= 0 {
			t.Fatalf("seq %d: %v not before %v", seq, pos, head)
		}
		head = pos
		all = append(all, pos)
	}
	for _, pos := range all {
		if pos[len(pos)-1].Digit == 0 {
			t.Fatalf("position ends in zero digit: %v", pos)
		}
	}
}

func TestBetweenRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	positions := []Position{Between(nil, nil, OpID{Actor: 1, Seq: 1})}
	for seq := uint64(2); seq <= 500; seq++ {
		sort.Slice(positions, func(i, j int) bool { return positions[i].Compare(positions[j]) < 0 })
		at := rng.Intn(len(positions) + 1)
		var left, right Position
		if at > 0 {
			left = positions[at-1]
		}
		if at < len(positions) {
			right = positions[at]
		}
		pos := Between(left, right, OpID{Actor: ActorID(1 + seq%3), Seq: seq})
		if left != nil && pos.Compare(left) <= 0 {
			t.Fatalf("%v not after left %v", pos, left)
		}
		if right != nil && pos.Compare(right) >= 0 {
			t.Fatalf("%v not before right %v", pos, right)
		}
		for _, existing := range positions {
			if existing.Equal(pos) {
				t.Fatalf("duplicate position %v", pos)
			}
		}
		positions = append(positions, pos)
	}
}
