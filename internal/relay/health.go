package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
)

// HealthServer provides the HTTP health check endpoint for a relay.
type HealthServer struct {
	relay  *Server
	addr   string
	server *http.Server
	logger *log.Logger
}

// NewHealthServer creates a health server for relay listening on addr.
func NewHealthServer(relay *Server, addr string, logger *log.Logger) *HealthServer {
	return &HealthServer{relay: relay, addr: addr, logger: logging.Component(logger, "health")}
}

// Handler returns the mux serving /healthz.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	return mux
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server failed", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz.
// Returns 200 when the backplane (if any) answers, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rooms, clients := h.relay.Stats()
	response := HealthResponse{
		Status:  "healthy",
		Rooms:   rooms,
		Clients: clients,
	}
	status := http.StatusOK

	if h.relay.backplane != nil {
		if err := h.relay.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Redis = "disconnected"
			response.Error = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			response.Redis = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
	Redis   string `json:"redis,omitempty"`
	Error   string `json:"error,omitempty"`
}
