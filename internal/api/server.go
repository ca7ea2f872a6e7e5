package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/registry"
)

const maxRequestBody = 1 << 20 // 1MB

// Reloader reloads the live pool topology from the config file on disk,
// mirroring what the fsnotify watcher does on a change event.
type Reloader func() error

// Server is the REST admin API and metrics server.
type Server struct {
	registry    *registry.Registry
	healthCheck *health.Checker
	metrics     *metrics.Collector
	reload      Reloader
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(r *registry.Registry, hc *health.Checker, m *metrics.Collector, reload Reloader, lc config.ListenConfig) *Server {
	return &Server{
		registry:    r,
		healthCheck: hc,
		metrics:     m,
		reload:      reload,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools/{database}/{user}", s.getPool).Methods("GET")
	r.HandleFunc("/pools/{database}/{user}/pause", s.pausePool).Methods("POST")
	r.HandleFunc("/pools/{database}/{user}/resume", s.resumePool).Methods("POST")
	r.HandleFunc("/pools/{database}/{user}/bans", s.banAddress).Methods("POST")
	r.HandleFunc("/pools/{database}/{user}/bans", s.unbanAddress).Methods("DELETE")

	r.HandleFunc("/reload", s.reloadHandler).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	return r
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	handler := s.authMiddleware(s.routes())

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	if s.listenCfg.APIBind == "" {
		addr = fmt.Sprintf("0.0.0.0:%d", port)
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		var err error
		if s.listenCfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.listenCfg.TLSCert, s.listenCfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware enforces the configured bearer API key on every route
// except the ones a load balancer or orchestrator needs unauthenticated
// (health, readiness, metrics scraping).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if s.listenCfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		authz := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authz, "Bearer ")
		if authz == "" || token == authz || token != s.listenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Pool response shapes ---

type addressView struct {
	Shard       int    `json:"shard"`
	Index       int    `json:"index"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Role        string `json:"role"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
	Idle        int    `json:"idle"`
}

type banView struct {
	Shard     int       `json:"shard"`
	Index     int       `json:"address_index"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type poolView struct {
	Database     string            `json:"database"`
	User         string            `json:"user"`
	PoolMode     string            `json:"pool_mode"`
	LoadBalance  string            `json:"load_balancing_mode"`
	DefaultRole  string            `json:"default_role"`
	ConfigHash   uint64            `json:"config_hash"`
	Validated    bool              `json:"validated"`
	Paused       bool              `json:"paused"`
	ShardCount   int               `json:"shard_count"`
	ServerCount  int               `json:"server_count"`
	Addresses    []addressView     `json:"addresses,omitempty"`
	Bans         []banView         `json:"bans,omitempty"`
	ServerParams map[string]string `json:"server_parameters,omitempty"`
}

func buildPoolView(cp *pool.ConnectionPool, detailed bool) poolView {
	id := cp.Identifier()
	settings := cp.Settings()

	v := poolView{
		Database:    id.Database,
		User:        id.User,
		PoolMode:    string(settings.PoolMode),
		LoadBalance: settings.LoadBalancingMode.String(),
		DefaultRole: settings.DefaultRole.String(),
		ConfigHash:  cp.ConfigHash(),
		Validated:   cp.IsValidated(),
		Paused:      cp.IsPaused(),
		ShardCount:  cp.ShardCount(),
		ServerCount: cp.TotalServers(),
	}
	if !detailed {
		return v
	}

	for _, a := range cp.Addresses() {
		v.Addresses = append(v.Addresses, addressView{
			Shard: a.ShardIndex, Index: a.AddressIndex,
			Host: a.Host, Port: a.Port, Role: a.Role.String(), Database: a.Database,
		})
	}
	for _, b := range cp.Bans() {
		v.Bans = append(v.Bans, banView{Shard: b.Shard, Index: b.AddressIndex, Reason: b.Reason.Kind.String(), Timestamp: b.Timestamp})
	}
	v.ServerParams = cp.ServerParameters()
	return v
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.GetAllPools()
	result := make([]poolView, 0, len(pools))
	for _, cp := range pools {
		result = append(result, buildPoolView(cp, false))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp, ok := s.registry.GetPool(vars["database"], vars["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, buildPoolView(cp, true))
}

func (s *Server) pausePool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp, ok := s.registry.GetPool(vars["database"], vars["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	cp.Pause()
	log.Printf("[api] pool %s/%s paused", vars["database"], vars["user"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumePool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp, ok := s.registry.GetPool(vars["database"], vars["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	cp.Resume()
	log.Printf("[api] pool %s/%s resumed", vars["database"], vars["user"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type banRequest struct {
	Shard           int `json:"shard"`
	AddressIndex    int `json:"address_index"`
	DurationSeconds int `json:"duration_seconds"`
}

func (s *Server) banAddress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp, ok := s.registry.GetPool(vars["database"], vars["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	addr := findAddress(cp, req.Shard, req.AddressIndex)
	if addr == nil {
		writeError(w, http.StatusNotFound, "address not found")
		return
	}
	cp.Ban(*addr, pool.BanReason{Kind: pool.AdminBan, AdminDuration: int64(req.DurationSeconds)}, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

func (s *Server) unbanAddress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp, ok := s.registry.GetPool(vars["database"], vars["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	addr := findAddress(cp, req.Shard, req.AddressIndex)
	if addr == nil {
		writeError(w, http.StatusNotFound, "address not found")
		return
	}
	cp.Unban(*addr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

func findAddress(cp *pool.ConnectionPool, shard, index int) *pool.Address {
	for _, a := range cp.Addresses() {
		if a.ShardIndex == shard && a.AddressIndex == index {
			return &a
		}
	}
	return nil
}

// --- Reload ---

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not configured")
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	log.Printf("[api] config reloaded via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
		return
	}
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"addresses": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.GetAllPools()
	if len(pools) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, cp := range pools {
		if cp.IsValidated() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status handler ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	pools := s.registry.GetAllPools()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(pools),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"mysql_port":    s.listenCfg.MySQLPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
