package main

import "testing"

func TestStatsSnapshotRates(t *testing.T) {
	s := NewStats()

	s.IncMQTTReceived()
	s.IncMQTTReceived()
	s.IncMQTTParsed()

	s.AddBroadcastSent(3)
	s.IncBroadcastErrors()

	s.AddDBSaved(4)

	snap := s.Snapshot()

	if snap.MQTTReceived != 2 {
		t.Fatalf("MQTTReceived = %d, want 2", snap.MQTTReceived)
	}
	if snap.MQTTParsed != 1 {
		t.Fatalf("MQTTParsed = %d, want 1", snap.MQTTParsed)
	}
	if snap.ParseSuccessRate != 0.5 {
		t.Fatalf("ParseSuccessRate = %f, want 0.5", snap.ParseSuccessRate)
	}

	wantBroadcastRate := 3.0 / 4.0
	if snap.BroadcastRate != wantBroadcastRate {
		t.Fatalf("BroadcastRate = %f, want %f", snap.BroadcastRate, wantBroadcastRate)
	}

	if snap.DBSaved != 4 {
		t.Fatalf("DBSaved = %d, want 4", snap.DBSaved)
	}
}

func TestStatsHealthy(t *testing.T) {
	s := NewStats()
	s.AddDeviceQueued(0)

	if !s.Snapshot().Healthy() {
		t.Fatal("a fresh Stats with no traffic should be healthy")
	}

	for i := 0; i < 100; i++ {
		s.IncMQTTReceived()
	}
	for i := 0; i < 10; i++ {
		s.IncMQTTParsed()
	}

	if s.Snapshot().Healthy() {
		t.Fatal("a 10% parse success rate should be reported unhealthy")
	}
}
