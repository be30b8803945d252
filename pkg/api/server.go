// Bridge gateway: REST endpoints for state and the out-of-process engine,
// plus WebSockets for consumers and diagnostic observers.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devosoft/avida-bridge/pkg/bridge"
	"github.com/devosoft/avida-bridge/pkg/config"
	"github.com/devosoft/avida-bridge/pkg/logger"
)

// Server is the HTTP gateway in front of a bridge.
type Server struct {
	config    *config.Config
	bridge    *bridge.Bridge
	diag      *DiagnosticsHub
	forwarder *EventForwarder
	upgrader  *websocket.Upgrader
	startTime time.Time
	server    *http.Server
	listener  net.Listener
	bgOnce    sync.Once
}

// NewServer creates a gateway for b. hub must be the same hub given to the
// bridge as its "hub" sink, if any.
func NewServer(cfg *config.Config, b *bridge.Bridge, hub *DiagnosticsHub) *Server {
	// Secure-by-default: a random key per session, printed once at startup.
	// Set gateway.api_key or BRIDGE_GATEWAY_API_KEY for a persistent key.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║          AVIDA BRIDGE API KEY (session token)        ║")
			fmt.Printf("║  %-52s  ║\n", cfg.Gateway.APIKey)
			fmt.Println("║  Set gateway.api_key in the config to make           ║")
			fmt.Println("║  this permanent. Rotate it any time.                 ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}
	if hub == nil {
		hub = NewDiagnosticsHub()
	}
	s := &Server{
		config:    cfg,
		bridge:    b,
		diag:      hub,
		startTime: time.Now(),
	}
	s.upgrader = s.newUpgrader()
	s.forwarder = NewEventForwarder(b.Events(), hub)
	hub.SetSnapshot(s.snapshot)
	return s
}

// Handler returns the routed, authenticated handler. It starts the
// diagnostics hub and event forwarding if Start has not, so the handler can
// be mounted on an external server; Stop shuts the hub down.
func (s *Server) Handler() http.Handler {
	s.startBackground(context.Background())
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/system/info", s.handleSystemInfo)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/consumers", s.handleConsumers)
	mux.HandleFunc("GET /api/events/recent", s.handleRecentEvents)

	// Out-of-process engine
	mux.HandleFunc("POST /api/engine/messages", s.handleEngineDispatch)
	mux.HandleFunc("GET /api/engine/messages", s.handleEngineDrain)

	// WebSockets
	mux.HandleFunc("GET /api/ws", s.HandleConsumer)
	mux.HandleFunc("GET /api/diagnostics", s.HandleDiagnostics)

	return s.corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.startBackground(ctx)
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	logger.InfoCF("api", "Bridge gateway starting", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// startBackground runs the hub loop and subscribes the forwarder, once.
func (s *Server) startBackground(ctx context.Context) {
	s.bgOnce.Do(func() {
		s.forwarder.Start()
		go s.diag.Run(ctx)
	})
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr()
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.diag.Close()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin accepts localhost and any configured origin.
func (s *Server) isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	for _, allowed := range s.config.Gateway.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	hostname, _ := os.Hostname()
	uptime := time.Since(s.startTime)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":       hostname,
		"go_version":     runtime.Version(),
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(m.Alloc) / 1024 / 1024,
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"gateway_addr":   s.Addr(),
		"observers":      s.diag.ObserverCount(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.State())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Stats())
}

func (s *Server) handleConsumers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Router().Consumers())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Events().Recent())
}

// snapshot feeds the diagnostics hub's initial and periodic frames.
func (s *Server) snapshot() interface{} {
	return map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"engine":         s.bridge.State(),
		"consumers":      s.bridge.Router().Consumers(),
		"stats":          s.bridge.Stats(),
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
