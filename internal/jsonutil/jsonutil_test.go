package jsonutil

import (
	"encoding/json"
	"testing"
)

func TestCanonicalKeyOrder(t *testing.T) {
	a := Canonical(json.RawMessage(`{"b":1,"a":{"d":2,"c":[1,2]}}`))
	b := Canonical(json.RawMessage(`{ "a": {"c":[1,2], "d":2}, "b": 1 }`))
	if a != b {
		t.Fatalf("canonical mismatch: %q vs %q", a, b)
	}
	if a != `{"a":{"c":[1,2],"d":2},"b":1}` {
		t.Fatalf("unexpected canonical form: %q", a)
	}
}

func TestCanonicalInvalidJSON(t *testing.T) {
	if got := Canonical(json.RawMessage("  not json ")); got != "not json" {
		t.Fatalf("got %q", got)
	}
}

func TestUnmarshalFlexDoubleEncoded(t *testing.T) {
	var v map[string]int
	if err := UnmarshalFlex([]byte(`"{\"n\":3}"`), &v); err != nil {
		t.Fatalf("flex unmarshal: %v", err)
	}
	if v["n"] != 3 {
		t.Fatalf("got %v", v)
	}
}

func TestMarshalNoEscape(t *testing.T) {
	b, err := MarshalNoEscape(map[string]string{"k": "<a>&</a>"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"k":"<a>&</a>"}` {
		t.Fatalf("got %s", b)
	}
}
