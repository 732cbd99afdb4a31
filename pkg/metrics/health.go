package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Probe reports whether one component is healthy, with a short detail.
type Probe func() (bool, string)

type probe struct {
	weight   float64
	critical bool
	check    Probe
}

// ComponentHealth is the last result of one probe.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthMonitor runs the registered probes periodically and keeps a 0-100
// score. A failing critical probe forces the score to zero.
type HealthMonitor struct {
	metrics *Metrics
	logger  *zap.Logger

	checkInterval time.Duration
	mu            sync.RWMutex
	probes        map[string]probe
	lastCheck     time.Time
	score         float64
	components    map[string]ComponentHealth
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewHealthMonitor creates a monitor with no probes.
func NewHealthMonitor(metrics *Metrics, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		metrics:       metrics,
		logger:        logger,
		checkInterval: 30 * time.Second,
		probes:        make(map[string]probe),
		components:    make(map[string]ComponentHealth),
		stopChan:      make(chan struct{}),
	}
}

// AddProbe registers a weighted probe.
func (hm *HealthMonitor) AddProbe(name string, weight float64, check Probe) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.probes[name] = probe{weight: weight, check: check}
}

// AddCriticalProbe registers a probe whose failure makes the node unready.
func (hm *HealthMonitor) AddCriticalProbe(name string, weight float64, check Probe) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.probes[name] = probe{weight: weight, critical: true, check: check}
}

// Start runs the probes periodically until Stop.
func (hm *HealthMonitor) Start() {
	go hm.monitorLoop()
}

func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *HealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	hm.Check()

	for {
		select {
		case <-ticker.C:
			hm.Check()
		case <-hm.stopChan:
			return
		}
	}
}

// Check runs every probe once and returns the new score.
func (hm *HealthMonitor) Check() float64 {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var total, healthy float64
	criticalDown := false
	components := make(map[string]ComponentHealth, len(hm.probes))
	for name, p := range hm.probes {
		ok, detail := p.check()
		components[name] = ComponentHealth{Healthy: ok, Detail: detail}
		total += p.weight
		if ok {
			healthy += p.weight
		} else if p.critical {
			criticalDown = true
		}
	}

	score := 100.0
	if total > 0 {
		score = healthy / total * 100
	}
	if criticalDown {
		score = 0
	}

	hm.score = score
	hm.components = components
	hm.lastCheck = time.Now()
	if hm.metrics != nil {
		hm.metrics.HealthScore.Set(score)
		hm.metrics.LastHealthCheck.Set(float64(hm.lastCheck.Unix()))
	}

	hm.logger.Debug("Health check completed",
		zap.Float64("health_score", score),
		zap.Time("timestamp", hm.lastCheck))
	return score
}

// GetHealth returns the weighted score, when it was computed and the
// per-probe results.
func (hm *HealthMonitor) GetHealth() (float64, time.Time, map[string]ComponentHealth) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(hm.components))
	for k, v := range hm.components {
		components[k] = v
	}
	return hm.score, hm.lastCheck, components
}

// HealthEndpoint serves /health, /health/live, /health/ready and /metrics.
type HealthEndpoint struct {
	monitor *HealthMonitor
	metrics *Metrics
	logger  *zap.Logger
}

// NewHealthEndpoint serves monitor over HTTP.
func NewHealthEndpoint(monitor *HealthMonitor, metrics *Metrics, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{monitor: monitor, metrics: metrics, logger: logger}
}

// RegisterHandlers mounts /health, its liveness and readiness variants
// and /metrics.
func (he *HealthEndpoint) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/health", he.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", he.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", he.handleReadiness).Methods(http.MethodGet)
	if he.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(he.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

type healthResponse struct {
	Status      string                     `json:"status"`
	HealthScore float64                    `json:"health_score"`
	LastCheck   string                     `json:"last_check"`
	Timestamp   string                     `json:"timestamp"`
	Components  map[string]ComponentHealth `json:"components"`
	Failing     []string                   `json:"failing,omitempty"`
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, lastCheck, components := he.monitor.GetHealth()

	status := "healthy"
	statusCode := http.StatusOK
	if health < 50 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if health < 80 {
		status = "degraded"
	}

	resp := healthResponse{
		Status:      status,
		HealthScore: health,
		LastCheck:   lastCheck.Format(time.RFC3339),
		Timestamp:   time.Now().Format(time.RFC3339),
		Components:  components,
	}
	for name, c := range components {
		if !c.Healthy {
			resp.Failing = append(resp.Failing, name)
		}
	}
	sort.Strings(resp.Failing)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Warn("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health, _, _ := he.monitor.GetHealth()
	if health > 30 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}
