package address

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDerive_Deterministic(t *testing.T) {
	master := External("root")
	a := Derive("order", master, 7)
	b := Derive("order", master, 7)
	if a != b {
		t.Fatalf("expected identical addresses, got %s and %s", a, b)
	}
	if a == Derive("order", master, 8) {
		t.Fatal("index must change the address")
	}
	if a == Derive("user", master, 7) {
		t.Fatal("template must change the address")
	}
	if a == Derive("order", External("other"), 7) {
		t.Fatal("master must change the address")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	a := External("alice")
	parsed, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Fatalf("expected %s got %s", a, parsed)
	}

	if _, err := Parse("abc"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestAddress_AsMapKey(t *testing.T) {
	in := map[Address]int{External("a"): 1, External("b"): 2}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[Address]int
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[External("a")] != 1 || out[External("b")] != 2 {
		t.Fatalf("unexpected decoded map: %v", out)
	}
}
