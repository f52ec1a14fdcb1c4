package ratelimit

import "testing"

func TestAllowExhaustsBurstThenDenies(t *testing.T) {
	l := New(1, 2)
	if !l.Allow("pinch:a@r") {
		t.Fatal("expected first message allowed")
	}
	if !l.Allow("pinch:a@r") {
		t.Fatal("expected second message allowed (burst=2)")
	}
	if l.Allow("pinch:a@r") {
		t.Fatal("expected third message denied")
	}
}

func TestAllowIsPerAddress(t *testing.T) {
	l := New(1, 1)
	if !l.Allow("pinch:a@r") {
		t.Fatal("expected a allowed")
	}
	if !l.Allow("pinch:b@r") {
		t.Fatal("expected b allowed independently of a")
	}
}

func TestRemoveResetsBucket(t *testing.T) {
	l := New(1, 1)
	l.Allow("pinch:a@r")
	if l.Allow("pinch:a@r") {
		t.Fatal("expected second call denied before remove")
	}
	l.Remove("pinch:a@r")
	if !l.Allow("pinch:a@r") {
		t.Fatal("expected allowed again after remove recreates bucket")
	}
}
