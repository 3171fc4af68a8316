package crdt

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValueJSONRefEncoding(t *testing.T) {
	raw, err := json.Marshal(Ref("1:4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"$ref":"1:4"}` {
		t.Errorf("ref encoded as %s", raw)
	}

	var back Value
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != KindRef || back.Ref != "1:4" {
		t.Errorf("decoded %+v, want a ref to 1:4", back)
	}

	// A plain map with more than the reserved key stays a plain map.
	var plain Value
	if err := json.Unmarshal([]byte(`{"$ref":"x","other":1}`), &plain); err != nil {
		t.Fatal(err)
	}
	if plain.Kind != KindMap {
		t.Errorf("decoded kind %d, want plain map", plain.Kind)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	want := PlainMap(map[string]Value{
		"name":  String("cursor"),
		"x":     Number(10.5),
		"live":  Bool(true),
		"tags":  PlainList(String("a"), Null()),
		"inner": PlainMap(map[string]Value{"deep": Number(-1)}),
	})
	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	var got Value
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}
