// Package monitoring serves health, status, metrics and the generate
// endpoint over HTTP.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-window/internal/config"
	"github.com/23skdu/longbow-window/internal/engine"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/metrics"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo describes the loaded model.
type EngineInfo struct {
	ModelLoaded   bool   `json:"model_loaded"`
	Architecture  string `json:"architecture"`
	NumLayers     int    `json:"num_layers"`
	NumHeads      int    `json:"num_heads"`
	NumKVHeads    int    `json:"num_kv_heads"`
	VocabSize     int    `json:"vocab_size"`
	SlidingWindow int    `json:"sliding_window"`
	MaxBatchSize  int    `json:"max_batch_size"`
}

// PerformanceInfo summarises recent batches.
type PerformanceInfo struct {
	Batches         int       `json:"batches"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	NumericFailures int       `json:"numeric_failures"`
	TotalTokens     int64     `json:"total_tokens"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, performance, export
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one finished or failed batch.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
)

// HealthMonitor tracks batch outcomes and serves the HTTP API.
type HealthMonitor struct {
	startTime time.Time
	version   string
	engine    *engine.Engine
	exporter  Exporter
	defaults  config.Generate
	server    *http.Server
	log       *logger.Logger

	mu              sync.RWMutex
	alerts          []Alert
	lastInference   time.Time
	perfHistory     []PerfPoint
	numericFailures int
}

// NewHealthMonitor creates a monitor. eng may be nil, in which case the
// generate endpoint reports the service as unavailable.
func NewHealthMonitor(eng *engine.Engine, version string) *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		version:     version,
		engine:      eng,
		defaults:    config.DefaultGenerate(),
		log:         logger.Log.With("monitoring"),
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// SetDefaults replaces the options used for fields a request leaves out.
func (hm *HealthMonitor) SetDefaults(opts config.Generate) {
	hm.defaults = opts
}

// Handler returns the HTTP routes of the monitor.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	mux.HandleFunc("/v1/generate", hm.handleGenerate)
	return mux
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// clean shutdown.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           hm.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	hm.log.Info("HTTP server starting", "addr", addr)
	return srv.ListenAndServe()
}

// Stop stops the HTTP server
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordBatch records the outcome of one Generate call.
func (hm *HealthMonitor) RecordBatch(tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	now := time.Now()
	hm.lastInference = now
	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration, Failed: err != nil}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	if errors.Is(err, engine.ErrNonFinite) {
		hm.numericFailures++
	}
	hm.mu.Unlock()

	hm.checkBatchAlerts(point, err)
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}

	hm.log.Warn("alert raised", "level", level, "alert_component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.getHealthStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()

	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if hm.engine == nil {
		status = "degraded"
	}
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	engineInfo := EngineInfo{ModelLoaded: hm.engine != nil}
	if hm.engine != nil {
		p := hm.engine.Params()
		engineInfo.Architecture = p.GetArchitecture()
		engineInfo.NumLayers = p.Layers
		engineInfo.NumHeads = p.Heads
		engineInfo.NumKVHeads = p.KVHeads
		engineInfo.VocabSize = p.VocabSize
		engineInfo.SlidingWindow = p.SlidingWindow
		engineInfo.MaxBatchSize = p.MaxBatchSize
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      getSystemInfo(),
		Engine:      engineInfo,
		Performance: hm.calculatePerformanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// calculatePerformanceInfo must be called with hm.mu held.
func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	info := PerformanceInfo{
		Batches:         len(hm.perfHistory),
		NumericFailures: hm.numericFailures,
		TotalTokens:     metrics.TotalTokens(),
		LastInference:   hm.lastInference,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens, failed int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		if point.Failed {
			failed++
		}
		totalTokens += point.Tokens
		totalDuration += point.Duration
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)

	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)
	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkBatchAlerts(point PerfPoint, err error) {
	switch {
	case errors.Is(err, engine.ErrNonFinite):
		hm.AddAlert("critical", "engine", fmt.Sprintf("numeric failure: %v", err))
	case err != nil && errors.As(err, new(*engine.CollaboratorError)):
		hm.AddAlert("error", "engine", fmt.Sprintf("model failure: %v", err))
	}
	if err != nil {
		return
	}

	latencyMs := float64(point.Duration.Nanoseconds()) / 1e6
	if latencyMs > 5000 {
		hm.AddAlert("warning", "performance", fmt.Sprintf("High latency: %.2f ms", latencyMs))
	}
	if point.Tokens > 0 && point.Duration > 0 {
		if tps := float64(point.Tokens) / point.Duration.Seconds(); tps < 1.0 {
			hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
		}
	}
}
