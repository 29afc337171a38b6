package main

import "testing"

func TestRoutingTableDefaultsToDefaultClient(t *testing.T) {
	rt := NewRoutingTable()
	if got := rt.ClientFor("unknown-device"); got != defaultClientID {
		t.Fatalf("ClientFor(unknown) = %q, want %q", got, defaultClientID)
	}
}

func TestRoutingTableSetAndLookup(t *testing.T) {
	rt := NewRoutingTable()
	rt.Set("device-1", "client-9")

	if got := rt.ClientFor("device-1"); got != "client-9" {
		t.Fatalf("ClientFor(device-1) = %q, want client-9", got)
	}
	if got := rt.ClientFor("device-2"); got != defaultClientID {
		t.Fatalf("ClientFor(device-2) = %q, want default", got)
	}
}

func TestRoutingTableLoadStaticRoutes(t *testing.T) {
	rt := NewRoutingTable()
	rt.LoadStaticRoutes(" device-1:client-9 ,device-2:client-3,,malformed,device-3:")

	if got := rt.ClientFor("device-1"); got != "client-9" {
		t.Fatalf("ClientFor(device-1) = %q, want client-9", got)
	}
	if got := rt.ClientFor("device-2"); got != "client-3" {
		t.Fatalf("ClientFor(device-2) = %q, want client-3", got)
	}
	if got := rt.ClientFor("device-3"); got != defaultClientID {
		t.Fatalf("ClientFor(device-3) = %q, want default for malformed entry", got)
	}
}

func TestSaveFlagDefaultAndToggle(t *testing.T) {
	f := NewSaveFlag(false)
	if f.Enabled() {
		t.Fatal("expected save flag to start disabled")
	}

	f.Set(true)
	if !f.Enabled() {
		t.Fatal("expected save flag to be enabled after Set(true)")
	}

	f.Set(false)
	if f.Enabled() {
		t.Fatal("expected save flag to be disabled after Set(false)")
	}
}

func TestSaveFlagDefaultTrue(t *testing.T) {
	f := NewSaveFlag(true)
	if !f.Enabled() {
		t.Fatal("expected save flag initialized true to read true")
	}
}
