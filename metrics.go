package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics mirror the Stats counters one-for-one so operators
// scraping /metrics see the same pipeline picture as /monitoring/stats,
// matching the teacher's metrics.go layout.
var (
	mqttReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_mqtt_received_total",
		Help: "Total broker payloads received by the ingress queue.",
	})
	mqttParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_mqtt_parsed_total",
		Help: "Total records successfully parsed out of received payloads.",
	})
	mqttErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_mqtt_errors_total",
		Help: "Total payload or record parse failures and ingress or broadcast queue-full drops.",
	})

	deviceQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_device_queued_total",
		Help: "Total records accepted onto a device broadcast queue.",
	})
	deviceProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_device_processed_total",
		Help: "Total records accepted onto a device persistence queue.",
	})

	broadcastSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_broadcast_sent_total",
		Help: "Total records delivered to a connected client.",
	})
	broadcastErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_broadcast_errors_total",
		Help: "Total broadcast delivery failures or drops.",
	})

	dbSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_db_saved_total",
		Help: "Total records persisted to the store.",
	})
	dbErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_bridge_db_errors_total",
		Help: "Total persistence failures.",
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_bridge_connections_active",
		Help: "Currently open WebSocket connections.",
	})
	devicesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_bridge_devices_active",
		Help: "Devices with a running pipeline.",
	})
	brokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_bridge_broker_connected",
		Help: "1 if the broker connection is up, 0 otherwise.",
	})
	saveFlagEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_bridge_save_flag_enabled",
		Help: "1 if the persistence pipeline is currently writing, 0 otherwise.",
	})

	messageLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_bridge_message_loss_total",
		Help: "Records dropped, labeled by the stage that dropped them.",
	}, []string{"stage"})
)

// metricsPublisher copies a StatsSnapshot's cumulative counters onto the
// registered Prometheus Counters. Counters only move forward, so this adds
// the delta since the previous snapshot.
type metricsPublisher struct {
	prev     StatsSnapshot
	prevLoss map[string]int64
}

func (p *metricsPublisher) publish(snap StatsSnapshot) {
	mqttReceivedTotal.Add(float64(snap.MQTTReceived - p.prev.MQTTReceived))
	mqttParsedTotal.Add(float64(snap.MQTTParsed - p.prev.MQTTParsed))
	mqttErrorsTotal.Add(float64(snap.MQTTErrors - p.prev.MQTTErrors))
	deviceQueuedTotal.Add(float64(snap.DeviceQueued - p.prev.DeviceQueued))
	deviceProcessedTotal.Add(float64(snap.DeviceProcessed - p.prev.DeviceProcessed))
	broadcastSentTotal.Add(float64(snap.BroadcastSent - p.prev.BroadcastSent))
	broadcastErrorsTotal.Add(float64(snap.BroadcastErrors - p.prev.BroadcastErrors))
	dbSavedTotal.Add(float64(snap.DBSaved - p.prev.DBSaved))
	dbErrorsTotal.Add(float64(snap.DBErrors - p.prev.DBErrors))

	for stage, count := range snap.Loss {
		messageLossTotal.WithLabelValues(stage).Add(float64(count - p.prevLoss[stage]))
	}

	p.prev = snap
	p.prevLoss = snap.Loss
}
