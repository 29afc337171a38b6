package main

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestDispatcher(cfg *Config, saveFlag *SaveFlag, stats *Stats) *Dispatcher {
	mgr := NewDeviceManager(cfg, NewRegistry(), NewRoutingTable(), saveFlag, newFakeStore(), stats, zerolog.Nop())
	ingress := NewIngressQueue(10)
	return NewDispatcher(cfg, ingress, mgr, saveFlag, stats, zerolog.Nop())
}

func TestDispatcherProcessPayloadParseFailure(t *testing.T) {
	stats := NewStats()
	d := newTestDispatcher(testConfig(), NewSaveFlag(false), stats)

	d.processPayload([]byte("not json"))

	snap := stats.Snapshot()
	if snap.MQTTReceived != 1 {
		t.Fatalf("MQTTReceived = %d, want 1", snap.MQTTReceived)
	}
	if snap.MQTTErrors != 1 {
		t.Fatalf("MQTTErrors = %d, want 1", snap.MQTTErrors)
	}
	if got := stats.LossByStage()["parse"]; got != 1 {
		t.Fatalf("loss[parse] = %d, want 1", got)
	}
	if snap.MQTTParsed != 0 {
		t.Fatalf("MQTTParsed = %d, want 0", snap.MQTTParsed)
	}
}

func TestDispatcherDropsRecordMissingDeviceID(t *testing.T) {
	stats := NewStats()
	d := newTestDispatcher(testConfig(), NewSaveFlag(false), stats)

	d.processPayload([]byte(`{"timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`))

	snap := stats.Snapshot()
	if snap.MQTTParsed != 1 {
		t.Fatalf("MQTTParsed = %d, want 1", snap.MQTTParsed)
	}
	if snap.MQTTErrors != 1 {
		t.Fatalf("MQTTErrors = %d, want 1 (missing device_id)", snap.MQTTErrors)
	}
	if got := stats.LossByStage()["parse"]; got != 1 {
		t.Fatalf("loss[parse] = %d, want 1", got)
	}
	if snap.DeviceQueued != 0 {
		t.Fatalf("DeviceQueued = %d, want 0", snap.DeviceQueued)
	}
}

func TestDispatcherNonStringDeviceIDTreatedAsMissing(t *testing.T) {
	stats := NewStats()
	d := newTestDispatcher(testConfig(), NewSaveFlag(false), stats)

	d.processPayload([]byte(`{"device_id":42,"timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`))

	snap := stats.Snapshot()
	if snap.MQTTErrors != 1 {
		t.Fatalf("MQTTErrors = %d, want 1 (non-string device_id)", snap.MQTTErrors)
	}
	if snap.DeviceQueued != 0 {
		t.Fatalf("DeviceQueued = %d, want 0", snap.DeviceQueued)
	}
}

func TestDispatcherRoutesToBroadcastRegardlessOfSaveFlag(t *testing.T) {
	stats := NewStats()
	d := newTestDispatcher(testConfig(), NewSaveFlag(false), stats)

	d.processPayload([]byte(`{"device_id":"device-a","timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`))

	snap := stats.Snapshot()
	if snap.DeviceQueued != 1 {
		t.Fatalf("DeviceQueued = %d, want 1", snap.DeviceQueued)
	}
	if snap.DeviceProcessed != 0 {
		t.Fatalf("DeviceProcessed = %d, want 0 while save flag is disabled", snap.DeviceProcessed)
	}
}

func TestDispatcherRoutesToPersistOnlyWhenSaveFlagEnabled(t *testing.T) {
	stats := NewStats()
	d := newTestDispatcher(testConfig(), NewSaveFlag(true), stats)

	d.processPayload([]byte(`{"device_id":"device-a","timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`))

	snap := stats.Snapshot()
	if snap.DeviceQueued != 1 {
		t.Fatalf("DeviceQueued = %d, want 1", snap.DeviceQueued)
	}
	if snap.DeviceProcessed != 1 {
		t.Fatalf("DeviceProcessed = %d, want 1 while save flag is enabled", snap.DeviceProcessed)
	}
}

func TestDispatcherBroadcastQueueFullCountsLoss(t *testing.T) {
	stats := NewStats()
	cfg := testConfig()
	cfg.BroadcastQueueSize = 1
	cfg.PersistQueueSize = 1

	// Build the dispatcher's DeviceManager directly so newDevicePipeline's
	// own goroutines never start and drain the queue out from under the
	// test, matching the approach device_test.go uses for the same reason.
	saveFlag := NewSaveFlag(false)
	mgr := NewDeviceManager(cfg, NewRegistry(), NewRoutingTable(), saveFlag, newFakeStore(), stats, zerolog.Nop())
	deps := deviceDeps{cfg: cfg, stats: stats}
	mgr.mu.Lock()
	mgr.devices["device-a"] = newDevicePipeline("device-a", deps)
	mgr.mu.Unlock()

	d := NewDispatcher(cfg, NewIngressQueue(10), mgr, saveFlag, stats, zerolog.Nop())

	record := []byte(`{"device_id":"device-a","timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`)
	d.processPayload(record)
	d.processPayload(record)

	snap := stats.Snapshot()
	if snap.DeviceQueued != 1 {
		t.Fatalf("DeviceQueued = %d, want 1 (second offer should be rejected)", snap.DeviceQueued)
	}
	if got := stats.LossByStage()["device_queue_full"]; got != 1 {
		t.Fatalf("loss[device_queue_full] = %d, want 1", got)
	}
}

func TestDispatcherPersistQueueFullCountsLoss(t *testing.T) {
	stats := NewStats()
	cfg := testConfig()
	cfg.BroadcastQueueSize = 100
	cfg.PersistQueueSize = 1

	saveFlag := NewSaveFlag(true)
	mgr := NewDeviceManager(cfg, NewRegistry(), NewRoutingTable(), saveFlag, newFakeStore(), stats, zerolog.Nop())
	deps := deviceDeps{cfg: cfg, stats: stats, saveFlag: saveFlag}
	mgr.mu.Lock()
	mgr.devices["device-a"] = newDevicePipeline("device-a", deps)
	mgr.mu.Unlock()

	d := NewDispatcher(cfg, NewIngressQueue(10), mgr, saveFlag, stats, zerolog.Nop())

	record := []byte(`{"device_id":"device-a","timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`)
	d.processPayload(record)
	d.processPayload(record)

	snap := stats.Snapshot()
	if snap.DeviceProcessed != 1 {
		t.Fatalf("DeviceProcessed = %d, want 1 (second offer should be rejected)", snap.DeviceProcessed)
	}
	if got := stats.LossByStage()["save_queue_full"]; got != 1 {
		t.Fatalf("loss[save_queue_full] = %d, want 1", got)
	}
	if snap.DBErrors != 1 {
		t.Fatalf("DBErrors = %d, want 1", snap.DBErrors)
	}
}
