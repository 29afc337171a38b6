package main

import (
	"net"
	"testing"
)

func TestConnectionRateLimiter(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewConnection("c1", server, 8, 2, 2)

	if !c.AllowMessage() {
		t.Fatal("expected first message within burst to be allowed")
	}
	if !c.AllowMessage() {
		t.Fatal("expected second message within burst to be allowed")
	}
	if c.AllowMessage() {
		t.Fatal("expected third message to exceed the burst and be rejected")
	}
}

func TestConnectionOfferAndClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection("c1", server, 1, 20, 40)

	if !c.Offer([]byte("frame")) {
		t.Fatal("expected offer into empty send buffer to succeed")
	}
	if c.Offer([]byte("frame")) {
		t.Fatal("expected offer into full send buffer to be rejected")
	}

	if c.Closed() {
		t.Fatal("expected connection to start open")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error closing connection: %v", err)
	}
	if !c.Closed() {
		t.Fatal("expected connection to report closed after Close")
	}
}
