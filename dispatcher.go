package main

import (
	"context"

	"github.com/rs/zerolog"
)

// Dispatcher is the Decoder/Dispatcher (spec §4.2/component 4): drains the
// Raw Ingress Queue in batches, decodes each payload into records, and
// routes each record to its device's broadcast and persistence queues.
type Dispatcher struct {
	cfg      *Config
	ingress  *IngressQueue
	devices  *DeviceManager
	saveFlag *SaveFlag
	stats    *Stats
	logger   zerolog.Logger
}

// NewDispatcher wires a Dispatcher to its dependencies.
func NewDispatcher(cfg *Config, ingress *IngressQueue, devices *DeviceManager, saveFlag *SaveFlag, stats *Stats, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		ingress:  ingress,
		devices:  devices,
		saveFlag: saveFlag,
		stats:    stats,
		logger:   logger,
	}
}

// Run drains batches until ctx is done. Intended to run as its own
// goroutine from Server.Start, one per process (spec §4.2: single
// cooperative dispatcher, not one per device).
func (d *Dispatcher) Run(ctx context.Context) {
	stop := ctx.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		raws := d.ingress.DrainUpTo(d.cfg.IngressBatchMax, d.cfg.IngressBatchTimeout, stop)
		for _, raw := range raws {
			d.processPayload(raw)
		}
	}
}

// processPayload implements one payload's worth of spec §4.2: outer JSON
// parse, per-record parse, then per-record routing to the owning device's
// pipeline.
func (d *Dispatcher) processPayload(raw []byte) {
	d.stats.IncMQTTReceived()

	elements, err := decodePayload(raw)
	if err != nil {
		d.stats.IncMQTTErrors()
		d.stats.IncLoss("parse")
		d.logger.Warn().Err(err).Msg("failed to decode broker payload")
		return
	}

	for _, elem := range elements {
		record, ok := parseRecord(elem)
		if !ok {
			d.stats.IncMQTTErrors()
			d.stats.IncLoss("parse")
			continue
		}
		d.stats.IncMQTTParsed()

		if !record.HasDeviceID() {
			// Missing or non-string device_id: record is dropped, not
			// queued anywhere (spec §4.2 edge cases).
			d.stats.IncMQTTErrors()
			d.stats.IncLoss("parse")
			continue
		}

		d.routeRecord(record)
	}
}

func (d *Dispatcher) routeRecord(r Record) {
	pipeline := d.devices.PipelineFor(r.DeviceID)

	if pipeline.OfferBroadcast(r) {
		d.stats.IncDeviceQueued()
	} else {
		d.stats.IncMQTTErrors()
		d.stats.IncLoss("device_queue_full")
		d.logger.Warn().Str("device_id", r.DeviceID).Msg("broadcast queue full, dropping record")
	}

	// Only route to persistence when the Save Flag is set (spec §4.2 step
	// 5); the per-device worker re-checks the flag at flush time too, so a
	// toggle mid-batch is never worse than eventually consistent.
	if !d.saveFlag.Enabled() {
		return
	}

	if pipeline.OfferPersist(r) {
		d.stats.IncDeviceProcessed()
	} else {
		d.stats.IncDBErrors()
		d.stats.IncLoss("save_queue_full")
		d.logger.Warn().Str("device_id", r.DeviceID).Msg("persist queue full, dropping record")
	}
}
