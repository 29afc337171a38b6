package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// SessionStore is the subset of PGStore the endpoint needs for client-
// session bookkeeping (SPEC_FULL supplemented feature 3).
type SessionStore interface {
	SaveClientSession(ctx context.Context, clientID, websocketID string) error
	MarkClientDisconnected(ctx context.Context, clientID string) error
}

// controlMessage is the shape of a client -> server control frame (spec
// §4.6): {"type": "slider", ...} or {"type": "save", "save": true}.
type controlMessage struct {
	Type    string          `json:"type"`
	Save    bool            `json:"save"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// identifyMessage is the optional first client frame naming its client_id;
// absent or empty defaults to defaultClientID, matching the original's
// websocket_endpoint.
type identifyMessage struct {
	ClientID string `json:"client_id"`
}

// Endpoint is the Interactive-Connection Endpoint (spec §4.6/component 9):
// accepts WebSocket upgrades, runs the accepted -> identified -> serving ->
// closed state machine, and wires control messages to the Broker Adapter
// and Save-Flag Control.
type Endpoint struct {
	registry *Registry
	routing  *RoutingTable
	saveFlag *SaveFlag
	broker   *Broker
	sessions SessionStore
	logger   zerolog.Logger

	connSeq       int64
	sendBuffer    int
	rateLimit     float64
	rateBurst     int
	rejectNewConn int32
}

// NewEndpoint wires an Endpoint to its dependencies. rateLimit/rateBurst
// configure each connection's inbound message rate limiter.
func NewEndpoint(registry *Registry, routing *RoutingTable, saveFlag *SaveFlag, broker *Broker, sessions SessionStore, logger zerolog.Logger, sendBuffer int, rateLimit float64, rateBurst int) *Endpoint {
	return &Endpoint{
		registry:   registry,
		routing:    routing,
		saveFlag:   saveFlag,
		broker:     broker,
		sessions:   sessions,
		logger:     logger,
		sendBuffer: sendBuffer,
		rateLimit:  rateLimit,
		rateBurst:  rateBurst,
	}
}

// RejectNewConnections stops ServeHTTP from accepting upgrades, used during
// graceful shutdown.
func (e *Endpoint) RejectNewConnections() {
	atomic.StoreInt32(&e.rejectNewConn, 1)
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read/write pumps until it closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&e.rejectNewConn) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		e.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := atomic.AddInt64(&e.connSeq, 1)
	c := NewConnection(connID(id), conn, e.sendBuffer, e.rateLimit, e.rateBurst)

	go e.writePump(c)
	e.readPump(c)
}

func connID(n int64) string {
	return "conn-" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// writePump drains c.send and writes each frame to the underlying
// connection, exiting once c is closed.
func (e *Endpoint) writePump(c *Connection) {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeFrame(c, frame); err != nil {
				e.logger.Warn().Err(err).Str("conn_id", c.id).Msg("write failed, closing connection")
				e.disconnect(c)
				return
			}
			c.RecordSent(len(frame))
		case <-c.closed:
			return
		}
	}
}

// readPump implements the accepted -> identified -> serving state machine:
// the first frame optionally names a client_id, every frame after is a
// control message.
func (e *Endpoint) readPump(c *Connection) {
	defer e.disconnect(c)

	identified := false
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		c.Touch()

		if !identified {
			clientID := defaultClientID
			var id identifyMessage
			if json.Unmarshal(data, &id) == nil && id.ClientID != "" {
				clientID = id.ClientID
			}
			e.identify(c, clientID)
			identified = true
			continue
		}

		if !c.AllowMessage() {
			e.logger.Debug().Str("conn_id", c.id).Msg("dropping control message, client rate limit exceeded")
			continue
		}

		e.handleControl(c, data)
	}
}

func (e *Endpoint) identify(c *Connection, clientID string) {
	c.SetClientID(clientID)
	e.registry.Register(clientID, c)

	if e.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.sessions.SaveClientSession(ctx, clientID, c.id); err != nil {
			e.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to save client session")
		}
	}

	e.logger.Info().Str("client_id", clientID).Str("conn_id", c.id).Msg("client identified")
}

// handleControl dispatches a single control frame (spec §4.6): "slider"
// republishes to the broker's control subject, "save" toggles the Save
// Flag, anything else is logged and ignored.
func (e *Endpoint) handleControl(c *Connection, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Debug().Err(err).Str("conn_id", c.id).Msg("ignoring malformed control message")
		return
	}

	switch msg.Type {
	case "slider":
		if e.broker == nil {
			return
		}
		if err := e.broker.PublishControl(data); err != nil {
			e.logger.Warn().Err(err).Msg("failed to publish slider control message")
		}
	case "save":
		e.saveFlag.Set(msg.Save)
		e.logger.Info().Bool("save", msg.Save).Msg("save flag updated")
	default:
		e.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown control message type")
	}
}

func (e *Endpoint) disconnect(c *Connection) {
	if c.Closed() {
		return
	}
	clientID := c.ClientID()
	c.Close()

	if clientID != "" {
		e.registry.Unregister(clientID, c)

		if e.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.sessions.MarkClientDisconnected(ctx, clientID); err != nil {
				e.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to mark client session disconnected")
			}
		}
	}

	e.logger.Info().Str("conn_id", c.id).Str("client_id", clientID).Msg("client disconnected")
}
