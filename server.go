package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Server wires every component together and owns the HTTP surface (/ws,
// /health, /metrics, /monitoring/stats), matching the teacher's
// Server/NewServer/Start/Shutdown shape.
type Server struct {
	cfg    *Config
	logger zerolog.Logger

	stats    *Stats
	registry *Registry
	routing  *RoutingTable
	saveFlag *SaveFlag
	ingress  *IngressQueue
	devices  *DeviceManager
	endpoint *Endpoint
	broker   *Broker
	store    *PGStore

	httpServer *http.Server
	metrics    *metricsPublisher

	startedAt time.Time
}

// NewServer constructs every component but does not start goroutines or
// bind a listener; call Start for that.
func NewServer(cfg *Config, logger zerolog.Logger) (*Server, error) {
	stats := NewStats()
	registry := NewRegistry()
	routing := NewRoutingTable()
	routing.LoadStaticRoutes(cfg.DeviceRoutes)
	saveFlag := NewSaveFlag(cfg.SaveFlagDefault)
	ingress := NewIngressQueue(cfg.IngressBatchMax * 4)

	store, err := NewPGStore(context.Background(), cfg.StoreDSN)
	if err != nil {
		return nil, err
	}

	devices := NewDeviceManager(cfg, registry, routing, saveFlag, store, stats, logger)

	broker, err := NewBroker(cfg.BrokerURL, ingress, stats, logger, cfg.BrokerPublishRateLimit, cfg.BrokerPublishRateBurst, cfg.BrokerStreamName, cfg.BrokerConsumerName, cfg.BrokerAckWait)
	if err != nil {
		store.Close()
		return nil, err
	}

	endpoint := NewEndpoint(registry, routing, saveFlag, broker, store, logger, cfg.BroadcastQueueSize, cfg.ClientMessageRateLimit, cfg.ClientMessageRateBurst)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		stats:    stats,
		registry: registry,
		routing:  routing,
		saveFlag: saveFlag,
		ingress:  ingress,
		devices:  devices,
		endpoint: endpoint,
		broker:   broker,
		store:    store,
		metrics:  &metricsPublisher{},
	}, nil
}

// Start runs the dispatcher, background monitoring loops, and the HTTP
// server. It blocks until the HTTP server stops.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	dispatcher := NewDispatcher(s.cfg, s.ingress, s.devices, s.saveFlag, s.stats, s.logger)
	go dispatcher.Run(ctx)

	go s.sampleMetrics(ctx)
	go s.logStatsPeriodically(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", s.endpoint)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/monitoring/stats", s.handleMonitoringStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("telemetry bridge listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown rejects new connections, waits up to grace for in-flight work to
// drain, then force-closes the HTTP server and downstream connections,
// matching the teacher's grace-period shutdown pattern.
func (s *Server) Shutdown(grace time.Duration) error {
	s.endpoint.RejectNewConnections()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		_ = s.httpServer.Close()
	}

	if s.broker != nil {
		s.broker.Close()
	}
	if s.store != nil {
		s.store.Close()
	}

	return err
}

func (s *Server) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.stats.Snapshot()
			s.metrics.publish(snap)
			connectionsActive.Set(float64(s.registry.ConnectionCount()))
			devicesActive.Set(float64(s.devices.Count()))
			if s.broker.Connected() {
				brokerConnected.Set(1)
			} else {
				brokerConnected.Set(0)
			}
			if s.saveFlag.Enabled() {
				saveFlagEnabled.Set(1)
			} else {
				saveFlagEnabled.Set(0)
			}
		}
	}
}

func (s *Server) logStatsPeriodically(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.stats.Snapshot()
			s.logger.Info().
				Float64("uptime_seconds", snap.UptimeSeconds).
				Int64("mqtt_received", snap.MQTTReceived).
				Int64("mqtt_parsed", snap.MQTTParsed).
				Int64("broadcast_sent", snap.BroadcastSent).
				Int64("db_saved", snap.DBSaved).
				Float64("messages_per_second", snap.MessagesPerSecond).
				Msg("pipeline stats")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()

	status := "healthy"
	httpStatus := http.StatusOK
	if !snap.Healthy() {
		status = "degraded"
		httpStatus = http.StatusOK
	}
	if !s.broker.Connected() {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resourceUsage := s.resourceUsage()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           status,
		"uptime_seconds":   snap.UptimeSeconds,
		"connections":      s.registry.ConnectionCount(),
		"broker_connected": s.broker.Connected(),
		"save_flag":        s.saveFlag.Enabled(),
		"resource":         resourceUsage,
	})
}

func (s *Server) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

type resourceSnapshot struct {
	MemoryRSSBytes   uint64  `json:"memory_rss_bytes,omitempty"`
	MemoryPercent    float32 `json:"memory_percent,omitempty"`
	SystemMemoryUsed float64 `json:"system_memory_used_percent,omitempty"`
}

// resourceUsage samples process and system memory the way the teacher's
// monitorMemory loop does, via gopsutil rather than reading /proc by hand.
func (s *Server) resourceUsage() resourceSnapshot {
	var snap resourceSnapshot

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = memInfo.RSS
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			snap.MemoryPercent = pct
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.SystemMemoryUsed = vm.UsedPercent
	}

	return snap
}
