package crdt

// List elements carry a stable position key independent of their transient
// index. Positions are paths of segments compared lexicographically; the
// digit orders siblings and the (seq, actor) pair of the issuing operation
// disambiguates concurrent inserts into the same gap, so two actors
// inserting "after" the same element get distinct, deterministically
// ordered positions without any extra round-trip.

// Segment is one level of a position path.
type Segment struct {
	Digit uint32  `json:"d"`
	Seq   uint64  `json:"s"`
	Actor ActorID `json:"a"`
}

// Position is a dense order key for a list element.
type Position []Segment

// maxDigit bounds the sibling digit space at every level.
const maxDigit = 1 << 16

func compareSegment(a, b Segment) int {
	switch {
	case a.Digit != b.Digit:
		if a.Digit < b.Digit {
			return -1
		}
		return 1
	case a.Seq != b.Seq:
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	case a.Actor != b.Actor:
		if a.Actor < b.Actor {
			return -1
		}
		return 1
	}
	return 0
}

// Compare orders positions segment-wise; a strict prefix sorts first.
func (p Position) Compare(q Position) int {
	for i := 0; i < len(p) && i < len(q); i++ {
		if c := compareSegment(p[i], q[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// Equal reports whether two positions are the same key.
func (p Position) Equal(q Position) bool {
	return p.Compare(q) == 0
}

// Between returns a position strictly between left and right, stamped with
// the issuing operation's (seq, actor). A nil left means the list head, a
// nil right means the list tail. Concurrent calls with the same bounds
// yield distinct positions whose relative order follows (seq, actor).
//
// Generated positions never end in a zero digit; interior zero digits only
// appear when a level has no room, which keeps descents below an existing
// position finite.
func Between(left, right Position, id OpID) Position {
	var pos Position
	for i := 0; ; i++ {
		ld := -1
		if i < len(left) {
			ld = int(left[i].Digit)
		}
		rd := maxDigit
		if right != nil && i < len(right) {
			rd = int(right[i].Digit)
		}

		if rd-ld > 1 {
			d := ld + (rd-ld)/2
			if d > 0 {
				return append(pos, Segment{Digit: uint32(d), Seq: id.Seq, Actor: id.Actor})
			}
			// Only digit 0 fits here (left exhausted, right digit 1).
			// Mark the level and settle one deeper, below right.
			pos = append(pos, Segment{Digit: 0, Seq: id.Seq, Actor: id.Actor})
			left = nil
			right = nil
			continue
		}

		if i < len(left) {
			// No gap at this level; descend along the left bound. Once the
			// paths split, right no longer constrains deeper levels.
			pos = append(pos, left[i])
			if right != nil && (i >= len(right) || compareSegment(left[i], right[i]) != 0) {
				right = nil
			}
			continue
		}

		// Left is exhausted and right starts with a zero digit: copy it and
		// keep descending. Positions never end in a zero digit, so a level
		// with room comes up before right runs out.
		pos = append(pos, right[i])
	}
}
