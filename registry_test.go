package main

import (
	"net"
	"testing"
)

func testConnection(t *testing.T, id string) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConnection(id, server, 8, 20, 40)
}

func TestRegistryRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	c1 := testConnection(t, "c1")
	c2 := testConnection(t, "c2")

	r.Register("client-a", c1)
	r.Register("client-a", c2)

	conns := r.ConnectionsFor("client-a")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}

	r.Unregister("client-a", c1)
	conns = r.ConnectionsFor("client-a")
	if len(conns) != 1 || conns[0] != c2 {
		t.Fatalf("expected only c2 left, got %v", conns)
	}

	r.Unregister("client-a", c2)
	if r.ClientCount() != 0 {
		t.Fatalf("expected client entry removed once empty, got count %d", r.ClientCount())
	}
}

func TestRegistryUnknownClient(t *testing.T) {
	r := NewRegistry()
	if conns := r.ConnectionsFor("nope"); conns != nil {
		t.Fatalf("expected nil for unknown client, got %v", conns)
	}
}

func TestRegistryConnectionCount(t *testing.T) {
	r := NewRegistry()
	r.Register("a", testConnection(t, "1"))
	r.Register("a", testConnection(t, "2"))
	r.Register("b", testConnection(t, "3"))

	if got := r.ConnectionCount(); got != 3 {
		t.Fatalf("ConnectionCount() = %d, want 3", got)
	}
	if got := r.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}
}
