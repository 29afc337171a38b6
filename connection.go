package main

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Connection is one live WebSocket session owned by the Interactive-
// Connection Endpoint (spec §4.6/component 9). It tracks the send-side
// buffer and slow-client bookkeeping the way the teacher's Client does,
// trimmed to what this service's single broadcast channel (no per-symbol
// subscriptions) needs.
type Connection struct {
	id       string
	clientID atomic.Value // string

	conn net.Conn
	send chan []byte

	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}

	connectedAt    time.Time
	sendFailures   int32
	sendAttempts   int32
	bytesSent      int64
	messagesSent   int64
	lastActivityAt atomic.Value // time.Time
}

// NewConnection wraps conn, ready for registration once its client_id is
// known. limit/burst configure the per-connection inbound control-message
// rate limiter (spec §4.6 backpressure on misbehaving clients).
func NewConnection(id string, conn net.Conn, sendBuffer int, limit float64, burst int) *Connection {
	c := &Connection{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.clientID.Store("")
	c.lastActivityAt.Store(time.Now())
	return c
}

// AllowMessage reports whether the caller may process another inbound
// message right now, enforcing the per-connection rate limit.
func (c *Connection) AllowMessage() bool {
	return c.limiter.Allow()
}

// ClientID returns the client_id this connection identified as, or "" if
// it hasn't yet.
func (c *Connection) ClientID() string {
	return c.clientID.Load().(string)
}

// SetClientID records the client_id from the identification handshake.
func (c *Connection) SetClientID(clientID string) {
	c.clientID.Store(clientID)
}

// Touch records activity for idle/health reporting.
func (c *Connection) Touch() {
	c.lastActivityAt.Store(time.Now())
}

// Offer enqueues frame for the write pump without blocking. It reports
// false when the send buffer is full, which the caller (broadcast fan-out)
// counts as a dropped delivery to a slow client in broadcast_errors (spec
// §4.3.3).
func (c *Connection) Offer(frame []byte) bool {
	select {
	case c.send <- frame:
		atomic.AddInt32(&c.sendAttempts, 1)
		return true
	default:
		return false
	}
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close shuts the connection down exactly once, unblocking any goroutine
// selecting on its closed channel.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// RecordSent updates the send-side counters after a successful write.
func (c *Connection) RecordSent(n int) {
	atomic.AddInt64(&c.bytesSent, int64(n))
	atomic.AddInt64(&c.messagesSent, 1)
}
