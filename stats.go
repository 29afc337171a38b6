package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds process-wide atomic counters for every pipeline stage named in
// spec §6. Field names mirror the original MessageCounters class one for
// one so the derived rates in Snapshot line up with the original's
// get_stats().
type Stats struct {
	startTime time.Time

	mqttReceived int64
	mqttParsed   int64
	mqttErrors   int64

	deviceQueued    int64
	deviceProcessed int64

	broadcastSent   int64
	broadcastErrors int64

	dbSaved  int64
	dbErrors int64

	lossMu sync.Mutex
	loss   map[string]int64
}

// NewStats returns a Stats with its clock started.
func NewStats() *Stats {
	return &Stats{startTime: time.Now(), loss: make(map[string]int64)}
}

// IncLoss records a dropped record under the given stage, matching spec
// §4.2/§4.3's message_loss{stage=...} labeled counters (e.g. "parse",
// "device_queue_full", "save_queue_full").
func (s *Stats) IncLoss(stage string) {
	s.lossMu.Lock()
	s.loss[stage]++
	s.lossMu.Unlock()
}

// LossByStage returns a snapshot copy of the per-stage loss counters.
func (s *Stats) LossByStage() map[string]int64 {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	out := make(map[string]int64, len(s.loss))
	for k, v := range s.loss {
		out[k] = v
	}
	return out
}

func (s *Stats) IncMQTTReceived()    { atomic.AddInt64(&s.mqttReceived, 1) }
func (s *Stats) IncMQTTParsed()      { atomic.AddInt64(&s.mqttParsed, 1) }
func (s *Stats) IncMQTTErrors()      { atomic.AddInt64(&s.mqttErrors, 1) }
func (s *Stats) IncDeviceQueued()    { atomic.AddInt64(&s.deviceQueued, 1) }
func (s *Stats) IncDeviceProcessed() { atomic.AddInt64(&s.deviceProcessed, 1) }
func (s *Stats) IncBroadcastSent()   { atomic.AddInt64(&s.broadcastSent, 1) }
func (s *Stats) IncBroadcastErrors() { atomic.AddInt64(&s.broadcastErrors, 1) }
func (s *Stats) IncDBSaved()         { atomic.AddInt64(&s.dbSaved, 1) }
func (s *Stats) IncDBErrors()        { atomic.AddInt64(&s.dbErrors, 1) }

// AddDeviceQueued and AddDBSaved accept batch-sized increments, since
// records usually arrive and get persisted in groups rather than one at a
// time.
func (s *Stats) AddDeviceQueued(n int64)    { atomic.AddInt64(&s.deviceQueued, n) }
func (s *Stats) AddDeviceProcessed(n int64) { atomic.AddInt64(&s.deviceProcessed, n) }
func (s *Stats) AddBroadcastSent(n int64)   { atomic.AddInt64(&s.broadcastSent, n) }
func (s *Stats) AddDBSaved(n int64)         { atomic.AddInt64(&s.dbSaved, n) }
func (s *Stats) AddDBErrors(n int64)        { atomic.AddInt64(&s.dbErrors, n) }

// StatsSnapshot is a point-in-time read of Stats plus derived rates.
type StatsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`

	MQTTReceived int64 `json:"mqtt_received"`
	MQTTParsed   int64 `json:"mqtt_parsed"`
	MQTTErrors   int64 `json:"mqtt_errors"`

	DeviceQueued    int64 `json:"device_queued"`
	DeviceProcessed int64 `json:"device_processed"`

	BroadcastSent   int64 `json:"broadcast_sent"`
	BroadcastErrors int64 `json:"broadcast_errors"`

	DBSaved  int64 `json:"db_saved"`
	DBErrors int64 `json:"db_errors"`

	Loss map[string]int64 `json:"message_loss_by_stage,omitempty"`

	MessagesPerSecond float64 `json:"messages_per_second"`
	ParseSuccessRate  float64 `json:"parse_success_rate"`
	BroadcastRate     float64 `json:"broadcast_success_rate"`
	DBSaveRate        float64 `json:"db_save_rate"`
}

// Snapshot takes a consistent-enough read of every counter and computes the
// rates the /monitoring/stats and periodic log line report.
func (s *Stats) Snapshot() StatsSnapshot {
	uptime := time.Since(s.startTime).Seconds()
	if uptime <= 0 {
		uptime = 1
	}

	snap := StatsSnapshot{
		UptimeSeconds:   uptime,
		MQTTReceived:    atomic.LoadInt64(&s.mqttReceived),
		MQTTParsed:      atomic.LoadInt64(&s.mqttParsed),
		MQTTErrors:      atomic.LoadInt64(&s.mqttErrors),
		DeviceQueued:    atomic.LoadInt64(&s.deviceQueued),
		DeviceProcessed: atomic.LoadInt64(&s.deviceProcessed),
		BroadcastSent:   atomic.LoadInt64(&s.broadcastSent),
		BroadcastErrors: atomic.LoadInt64(&s.broadcastErrors),
		DBSaved:         atomic.LoadInt64(&s.dbSaved),
		DBErrors:        atomic.LoadInt64(&s.dbErrors),
		Loss:            s.LossByStage(),
	}

	snap.MessagesPerSecond = float64(snap.MQTTReceived) / uptime

	if snap.MQTTReceived > 0 {
		snap.ParseSuccessRate = float64(snap.MQTTParsed) / float64(snap.MQTTReceived)
	}
	if broadcastAttempts := snap.BroadcastSent + snap.BroadcastErrors; broadcastAttempts > 0 {
		snap.BroadcastRate = float64(snap.BroadcastSent) / float64(broadcastAttempts)
	}
	if dbAttempts := snap.DBSaved + snap.DBErrors; dbAttempts > 0 {
		snap.DBSaveRate = float64(snap.DBSaved) / float64(dbAttempts)
	}

	return snap
}

// Healthy reports whether the pipeline's success rates are within the
// "degraded" threshold the original monitoring endpoint used.
func (snap StatsSnapshot) Healthy() bool {
	const threshold = 0.95
	if snap.MQTTReceived > 0 && snap.ParseSuccessRate < threshold {
		return false
	}
	if snap.DBSaved+snap.DBErrors > 0 && snap.DBSaveRate < threshold {
		return false
	}
	return true
}
