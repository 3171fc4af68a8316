package room

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

func buildList(t *testing.T, r *Room, conn *fakeConn, values ...string) crdt.NodeID {
	t.Helper()
	list, err := r.CreateList(crdt.RootNodeID, "items")
	if err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	for i, v := range values {
		if err := r.InsertAt(list, i, crdt.String(v)); err != nil {
			t.Fatal(err)
		}
		conn.expect(t, commons.OpMessage)
	}
	return list
}

func listValues(t *testing.T, r *Room) []string {
	t.Helper()
	v, ok := r.Get("items")
	if !ok {
		t.Fatal("items missing")
	}
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		out = append(out, item.Str)
	}
	return out
}

func TestListEditing(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})
	list := buildList(t, r, conn, "a", "b", "c")

	if err := r.InsertAt(list, 1, crdt.String("x")); err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	if diff := cmp.Diff([]string{"a", "x", "b", "c"}, listValues(t, r)); diff != "" {
		t.Fatalf("after insert (-want +got):\n%s", diff)
	}

	if err := r.SetAt(list, 1, crdt.String("X")); err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	if diff := cmp.Diff([]string{"a", "X", "b", "c"}, listValues(t, r)); diff != "" {
		t.Fatalf("after set (-want +got):\n%s", diff)
	}

	if err := r.DeleteAt(list, 0); err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	if diff := cmp.Diff([]string{"X", "b", "c"}, listValues(t, r)); diff != "" {
		t.Fatalf("after delete (-want +got):\n%s", diff)
	}

	if err := r.MoveAt(list, 0, 2); err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	if diff := cmp.Diff([]string{"b", "c", "X"}, listValues(t, r)); diff != "" {
		t.Fatalf("after move (-want +got):\n%s", diff)
	}

	if n := r.ListLen(list); n != 3 {
		t.Errorf("len = %d, want 3", n)
	}
	if v, ok := r.ItemAt(list, 2); !ok || !v.Equal(crdt.String("X")) {
		t.Errorf("item 2 = %+v", v)
	}
}

func TestMoveAtClampsTarget(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})
	list := buildList(t, r, conn, "a", "b")

	if err := r.MoveAt(list, 0, 99); err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	if diff := cmp.Diff([]string{"b", "a"}, listValues(t, r)); diff != "" {
		t.Errorf("after clamped move (-want +got):\n%s", diff)
	}
}

func TestNestedLiveNodes(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})
	list := buildList(t, r, conn, "a")

	obj, err := r.CreateObjectAt(list, 1)
	if err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)
	if err := r.Set(obj, "done", crdt.Bool(false)); err != nil {
		t.Fatal(err)
	}
	conn.expect(t, commons.OpMessage)

	want := crdt.PlainList(
		crdt.String("a"),
		crdt.PlainMap(map[string]crdt.Value{"done": crdt.Bool(false)}),
	)
	got, _ := r.Get("items")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("materialized (-want +got):\n%s", diff)
	}

	// The raw slot holds a reference, not the materialized child.
	raw, ok := r.ItemAt(list, 1)
	if !ok || raw.Kind != crdt.KindRef {
		t.Errorf("raw item = %+v, want a reference", raw)
	}
}

func TestStorageMisuse(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})
	list := buildList(t, r, conn, "a")

	if err := r.Set("nope", "k", crdt.Number(1)); !errors.Is(err, crdt.ErrUnknownNode) {
		t.Errorf("unknown node: got %v", err)
	}
	if err := r.InsertAt(crdt.RootNodeID, 0, crdt.Number(1)); !errors.Is(err, crdt.ErrWrongKind) {
		t.Errorf("insert into object: got %v", err)
	}
	if err := r.Set(list, "k", crdt.Number(1)); !errors.Is(err, crdt.ErrWrongKind) {
		t.Errorf("set on list: got %v", err)
	}
	if err := r.Set(crdt.RootNodeID, "", crdt.Number(1)); !errors.Is(err, crdt.ErrBadOp) {
		t.Errorf("empty key: got %v", err)
	}
	if err := r.DeleteAt(list, 5); !errors.Is(err, ErrNoElement) {
		t.Errorf("bad index: got %v", err)
	}
	if err := r.Set(crdt.RootNodeID, "k", crdt.Ref("1:1")); !errors.Is(err, ErrLiveValue) {
		t.Errorf("raw ref: got %v", err)
	}
	if _, err := r.CreateObject(list, "k"); !errors.Is(err, crdt.ErrWrongKind) {
		t.Errorf("keyed create on list: got %v", err)
	}

	// Failed calls never reach the wire; the probe is the next message.
	if err := r.Set(crdt.RootNodeID, "probe", crdt.Number(1)); err != nil {
		t.Fatal(err)
	}
	msg := conn.expect(t, commons.OpMessage)
	if len(msg.Ops) != 1 || msg.Ops[0].Key != "probe" {
		t.Errorf("unexpected traffic: %+v", msg.Ops)
	}
}
