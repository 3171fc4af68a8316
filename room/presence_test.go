package room

import (
	"testing"

	"github.com/google/uuid"

	"github.com/kachar/liveblocks/commons"
	"github.com/kachar/liveblocks/crdt"
)

func TestUpdatePresenceMergesAndSends(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{
		InitialPresence: map[string]crdt.Value{"name": crdt.String("ada")},
	})

	var published []map[string]crdt.Value
	r.Subscribe(TopicMyPresence, func(payload any) {
		published = append(published, payload.(map[string]crdt.Value))
	})

	r.UpdatePresence(map[string]crdt.Value{"cursor": crdt.Number(3)})

	msg := conn.expect(t, commons.PresenceDeltaMessage)
	if len(msg.Presence) != 1 || !msg.Presence["cursor"].Equal(crdt.Number(3)) {
		t.Errorf("delta = %+v, want only the changed key", msg.Presence)
	}

	// The local snapshot is the merge of initial and updated keys.
	self := r.Presence()
	if !self["name"].Equal(crdt.String("ada")) || !self["cursor"].Equal(crdt.Number(3)) {
		t.Errorf("presence = %+v", self)
	}
	if len(published) != 1 {
		t.Fatalf("my-presence published %d times, want 1", len(published))
	}
	if !published[0]["cursor"].Equal(crdt.Number(3)) {
		t.Errorf("published = %+v", published[0])
	}
}

func TestUpdatePresenceOutsideHistoryByDefault(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})

	r.UpdatePresence(map[string]crdt.Value{"cursor": crdt.Number(1)})
	conn.expect(t, commons.PresenceDeltaMessage)

	if r.History().CanUndo() {
		t.Error("plain presence update recorded history")
	}
}

func TestUpdatePresenceAddToHistory(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})
	h := r.History()

	r.UpdatePresence(map[string]crdt.Value{"cursor": crdt.Number(1)}, PresenceOptions{AddToHistory: true})
	conn.expect(t, commons.PresenceDeltaMessage)
	r.UpdatePresence(map[string]crdt.Value{"cursor": crdt.Number(2)}, PresenceOptions{AddToHistory: true})
	conn.expect(t, commons.PresenceDeltaMessage)

	// Undo restores the previous value and announces it to peers.
	h.Undo()
	msg := conn.expect(t, commons.PresenceDeltaMessage)
	if !msg.Presence["cursor"].Equal(crdt.Number(1)) {
		t.Errorf("undo delta = %+v", msg.Presence)
	}
	if !r.Presence()["cursor"].Equal(crdt.Number(1)) {
		t.Errorf("presence = %+v", r.Presence())
	}

	// The first update's undo removes the key; the wire carries a null.
	h.Undo()
	msg = conn.expect(t, commons.PresenceDeltaMessage)
	if v, ok := msg.Presence["cursor"]; !ok || !v.IsNull() {
		t.Errorf("undo delta = %+v, want an explicit null", msg.Presence)
	}
	if _, ok := r.Presence()["cursor"]; ok {
		t.Error("cursor survived the undo")
	}

	// Redo brings it back.
	h.Redo()
	conn.expect(t, commons.PresenceDeltaMessage)
	if !r.Presence()["cursor"].Equal(crdt.Number(1)) {
		t.Errorf("after redo presence = %+v", r.Presence())
	}
}

func TestPresenceFullReplacesPeerTable(t *testing.T) {
	r, conn, _ := enterReady(t, EnterOptions{})

	peer := commons.Peer{ConnID: uuid.New(), Actor: 2, Presence: map[string]crdt.Value{"old": crdt.Bool(true)}}
	conn.serve(commons.Message{
		Type: commons.PeerJoinMessage, ConnID: peer.ConnID, Actor: 2, Presence: peer.Presence,
	})
	waitFor(t, "peer", func() bool { return len(r.Others()) == 1 })

	conn.serve(commons.Message{
		Type: commons.PresenceFullMessage, ConnID: peer.ConnID, Actor: 2,
		Presence: map[string]crdt.Value{"new": crdt.Number(1)},
	})
	waitFor(t, "full replace", func() bool {
		others := r.Others()
		if len(others) != 1 {
			return false
		}
		_, hasOld := others[0].Presence["old"]
		return !hasOld && others[0].Presence["new"].Equal(crdt.Number(1))
	})
}
