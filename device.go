package main

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"
)

// One of these tags is prepended to every outbound binary frame so a client
// can tell a flate-compressed body from a raw one without out-of-band
// signalling (SPEC_FULL open-question resolution).
const (
	tagRaw        byte = 0x00
	tagCompressed byte = 0x01
)

// Store is the persistence boundary the Per-Device Persistence Pipeline
// writes through. Implemented by store.go's pgx-backed PGStore.
type Store interface {
	EnsureDevice(ctx context.Context, deviceID, token string) error
	MarkOnline(ctx context.Context, deviceID string) error
	SaveBatch(ctx context.Context, deviceID string, records []Record) (written int, err error)
}

// DeviceManager owns the Device Pipeline State map (spec §3/§4.4.a): one
// DevicePipeline per device_id, created lazily on first sighting and kept
// alive for the life of the process, exactly as the original's
// device_queues/device_broadcasters/device_save_queues/device_savers
// module-level dicts behave.
type DeviceManager struct {
	mu      sync.Mutex
	devices map[string]*DevicePipeline
	deps    deviceDeps
}

type deviceDeps struct {
	cfg      *Config
	registry *Registry
	routing  *RoutingTable
	saveFlag *SaveFlag
	store    Store
	stats    *Stats
	logger   zerolog.Logger
}

// NewDeviceManager returns an empty manager wired to the pipeline's shared
// dependencies.
func NewDeviceManager(cfg *Config, registry *Registry, routing *RoutingTable, saveFlag *SaveFlag, store Store, stats *Stats, logger zerolog.Logger) *DeviceManager {
	return &DeviceManager{
		devices: make(map[string]*DevicePipeline),
		deps: deviceDeps{
			cfg:      cfg,
			registry: registry,
			routing:  routing,
			saveFlag: saveFlag,
			store:    store,
			stats:    stats,
			logger:   logger,
		},
	}
}

// Count returns the number of devices with a running pipeline.
func (m *DeviceManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// PipelineFor returns the DevicePipeline for deviceID, creating and
// starting it on first use.
func (m *DeviceManager) PipelineFor(deviceID string) *DevicePipeline {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.devices[deviceID]; ok {
		return p
	}

	p := newDevicePipeline(deviceID, m.deps)
	m.devices[deviceID] = p
	p.start()
	return p
}

// DevicePipeline is the pair of per-device queues and goroutines described
// in spec §4.3/§4.4: one collecting/emitting broadcast loop and one
// batching/flushing persistence loop, both sticky for the process lifetime.
type DevicePipeline struct {
	deviceID string
	deps     deviceDeps

	broadcastQueue chan Record
	persistQueue   chan Record

	startOnce sync.Once

	deflater *flate.Writer
}

func newDevicePipeline(deviceID string, deps deviceDeps) *DevicePipeline {
	return &DevicePipeline{
		deviceID:       deviceID,
		deps:           deps,
		broadcastQueue: make(chan Record, deps.cfg.BroadcastQueueSize),
		persistQueue:   make(chan Record, deps.cfg.PersistQueueSize),
	}
}

func (p *DevicePipeline) start() {
	p.startOnce.Do(func() {
		go p.broadcastLoop()
		go p.persistLoop()
	})
}

// OfferBroadcast queues a record for fan-out, dropping (and letting the
// caller count) when the device's broadcast queue is full.
func (p *DevicePipeline) OfferBroadcast(r Record) bool {
	select {
	case p.broadcastQueue <- r:
		return true
	default:
		return false
	}
}

// OfferPersist queues a record for the database writer, dropping (and
// letting the caller count) when full.
func (p *DevicePipeline) OfferPersist(r Record) bool {
	select {
	case p.persistQueue <- r:
		return true
	default:
		return false
	}
}

// broadcastLoop implements the Per-Device Broadcast Pipeline (component 5):
// collect up to EgressBatchSize records or until EgressBatchTimeout elapses
// since the first record of the batch, then emit once to every connection
// of the device's routed client, compressing above CompressionThreshold.
func (p *DevicePipeline) broadcastLoop() {
	cfg := p.deps.cfg
	for {
		batch := make([]Record, 0, cfg.EgressBatchSize)

		first := <-p.broadcastQueue
		batch = append(batch, first)

		deadline := time.NewTimer(cfg.EgressBatchTimeout)
	collect:
		for len(batch) < cfg.EgressBatchSize {
			select {
			case r := <-p.broadcastQueue:
				batch = append(batch, r)
			case <-deadline.C:
				break collect
			}
		}
		deadline.Stop()

		p.emitBatch(batch)
	}
}

func (p *DevicePipeline) emitBatch(batch []Record) {
	payload, err := json.Marshal(batch)
	if err != nil {
		p.deps.stats.IncBroadcastErrors()
		p.deps.logger.Error().Err(err).Str("device_id", p.deviceID).Msg("failed to marshal broadcast batch")
		return
	}

	frame := p.frameFor(payload)

	clientID := p.deps.routing.ClientFor(p.deviceID)
	conns := p.deps.registry.ConnectionsFor(clientID)
	if len(conns) == 0 {
		// No active websocket connections: logged and skipped, not an
		// error, matching send_to_connected_clients in the original.
		p.deps.logger.Debug().Str("client_id", clientID).Str("device_id", p.deviceID).Msg("no active connections for broadcast")
		return
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if c.Closed() {
				return
			}
			if !c.Offer(frame) {
				p.deps.stats.IncBroadcastErrors()
			}
		}(conn)
	}
	wg.Wait()

	// One increment per batch regardless of how many connections received
	// it, matching total_messages_sent_to_frontend += len(batch) in the
	// original (spec §4.3 step 6, scenario S2).
	p.deps.stats.AddBroadcastSent(int64(len(batch)))
}

// frameFor compresses payload when it exceeds CompressionThreshold,
// prefixing the single-byte tag the client reads to tell the two apart; the
// endpoint's write pump sends the frame as is.
func (p *DevicePipeline) frameFor(payload []byte) []byte {
	if len(payload) <= p.deps.cfg.CompressionThreshold {
		return append([]byte{tagRaw}, payload...)
	}

	var buf bytes.Buffer
	buf.WriteByte(tagCompressed)

	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return append([]byte{tagRaw}, payload...)
	}
	if _, err := fw.Write(payload); err != nil {
		return append([]byte{tagRaw}, payload...)
	}
	if err := fw.Close(); err != nil {
		return append([]byte{tagRaw}, payload...)
	}
	return buf.Bytes()
}

// writeFrame sends frame as a single binary WebSocket message using the
// server-side framing the teacher's handlers use for all payloads.
func writeFrame(conn *Connection, frame []byte) error {
	return wsutil.WriteServerMessage(conn.conn, ws.OpBinary, frame)
}

// persistLoop implements the Per-Device Persistence Pipeline (component 6):
// collect up to PersistBatchSize records or PersistFlushInterval, then
// bulk-insert through Store when the Save Flag is enabled, else drain and
// discard (spec §4.8).
func (p *DevicePipeline) persistLoop() {
	cfg := p.deps.cfg
	ticker := time.NewTicker(cfg.PersistFlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, cfg.PersistBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushPersist(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-p.persistQueue:
			batch = append(batch, r)
			if len(batch) >= cfg.PersistBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (p *DevicePipeline) flushPersist(batch []Record) {
	if !p.deps.saveFlag.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token := ""
	for _, r := range batch {
		if r.DeviceToken != "" {
			token = r.DeviceToken
			break
		}
	}

	if err := p.deps.store.EnsureDevice(ctx, p.deviceID, token); err != nil {
		p.deps.stats.AddDBErrors(int64(len(batch)))
		p.deps.logger.Error().Err(err).Str("device_id", p.deviceID).Msg("failed to ensure device row")
		return
	}

	written, err := p.deps.store.SaveBatch(ctx, p.deviceID, batch)
	if err != nil {
		// No record in the batch made it in: the whole batch is loss
		// (spec §4.4.d: increment db_errors by the batch size).
		p.deps.stats.AddDBErrors(int64(len(batch)))
		p.deps.logger.Error().Err(err).Str("device_id", p.deviceID).Int("batch_size", len(batch)).Msg("failed to save device data batch")
		return
	}

	// Records excluded for an unparseable timestamp count as db_errors,
	// not db_saved (spec §4.4.b).
	skipped := len(batch) - written
	p.deps.stats.AddDBSaved(int64(written))
	if skipped > 0 {
		p.deps.stats.AddDBErrors(int64(skipped))
		p.deps.logger.Warn().Str("device_id", p.deviceID).Int("skipped", skipped).Msg("dropped records with unparseable timestamps")
	}

	if err := p.deps.store.MarkOnline(ctx, p.deviceID); err != nil {
		p.deps.logger.Warn().Err(err).Str("device_id", p.deviceID).Msg("failed to mark device online")
	}
}
