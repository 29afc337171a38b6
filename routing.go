package main

import (
	"strings"
	"sync"
	"sync/atomic"
)

// defaultClientID is the client_id records route to when their device has
// no known owner, matching the original's hardcoded "1" fallback in
// websocket_endpoint.
const defaultClientID = "1"

// RoutingTable maps device_id to the client_id whose connections should
// receive its broadcasts (spec §4.4.a / component 7). Entries are loaded
// once at startup by LoadStaticRoutes; an unknown device_id routes to
// defaultClientID.
type RoutingTable struct {
	mu   sync.RWMutex
	byID map[string]string
}

// NewRoutingTable returns an empty RoutingTable.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{byID: make(map[string]string)}
}

// Set records that deviceID's data belongs to clientID.
func (t *RoutingTable) Set(deviceID, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[deviceID] = clientID
}

// LoadStaticRoutes populates the table from a comma-separated
// "device_id:client_id" list (TB_DEVICE_ROUTES), the static mapping spec
// §2/§3 describes. Malformed entries are skipped.
func (t *RoutingTable) LoadStaticRoutes(spec string) {
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		t.Set(parts[0], parts[1])
	}
}

// ClientFor returns the client_id deviceID's broadcasts should go to,
// falling back to defaultClientID when the device is unrecognized.
func (t *RoutingTable) ClientFor(deviceID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if clientID, ok := t.byID[deviceID]; ok && clientID != "" {
		return clientID
	}
	return defaultClientID
}

// SaveFlag is the process-wide persistence gate (spec §4.8/component 8):
// when false, the Persistence Pipeline drains and discards batches instead
// of writing them. Toggled by a "save" control message on any connection.
type SaveFlag struct {
	enabled int32
}

// NewSaveFlag returns a SaveFlag initialized to def.
func NewSaveFlag(def bool) *SaveFlag {
	f := &SaveFlag{}
	f.Set(def)
	return f
}

// Set updates the flag.
func (f *SaveFlag) Set(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&f.enabled, v)
}

// Enabled reports the current value.
func (f *SaveFlag) Enabled() bool {
	return atomic.LoadInt32(&f.enabled) == 1
}
