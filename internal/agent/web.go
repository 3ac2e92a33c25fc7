package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"halvor/internal/config"
	"halvor/internal/store"
)

// WebServer is the optional HTTP surface started with --web-port: read-only
// status endpoints plus a websocket feed of live mesh events.
type WebServer struct {
	store    *store.Store
	cfg      *config.Config
	hostname string
	hub      *EventHub
	version  string

	srv *http.Server
}

// NewWebServer wires the status API against the store and event hub.
func NewWebServer(s *store.Store, cfg *config.Config, hostname string, hub *EventHub, version string) *WebServer {
	return &WebServer{store: s, cfg: cfg, hostname: hostname, hub: hub, version: version}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The agent web port is reachable only over the mesh transport the
	// operator chose; same-origin enforcement adds nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Router builds the HTTP routes.
func (ws *WebServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", ws.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", ws.handleStatus).Methods("GET")
	r.HandleFunc("/api/peers", ws.handlePeers).Methods("GET")
	r.HandleFunc("/api/hosts", ws.handleHosts).Methods("GET")
	r.HandleFunc("/api/audit", ws.handleAudit).Methods("GET")
	r.HandleFunc("/ws/events", ws.handleEvents)

	// HALVOR_WEB_DIR points at a built web UI; when present it is served at
	// the root. The agent works fine without one.
	if dir := os.Getenv("HALVOR_WEB_DIR"); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))
		}
	}
	return r
}

// Start serves on the given port until Shutdown.
func (ws *WebServer) Start(port int) error {
	ws.srv = &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", port),
		Handler:      ws.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logrus.WithField("port", port).Info("halvor web API listening")
		if err := ws.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("web server failed")
		}
	}()
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.srv == nil {
		return nil
	}
	return ws.srv.Shutdown(ctx)
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ws.version})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers, err := ws.store.GetActivePeers()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":  ws.hostname,
		"version":   ws.version,
		"mesh_size": len(peers),
	})
}

func (ws *WebServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := ws.store.GetActivePeers()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if peers == nil {
		peers = []store.Peer{}
	}
	respondJSON(w, http.StatusOK, peers)
}

func (ws *WebServer) handleHosts(w http.ResponseWriter, r *http.Request) {
	type hostEntry struct {
		Name     string `json:"name"`
		IP       string `json:"ip,omitempty"`
		Hostname string `json:"hostname,omitempty"`
	}
	out := []hostEntry{}
	if ws.cfg != nil {
		for _, name := range ws.cfg.HostNames() {
			hc := ws.cfg.Hosts[name]
			out = append(out, hostEntry{Name: name, IP: hc.IP, Hostname: hc.Hostname})
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (ws *WebServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	rows, err := ws.store.RecentAuditEvents(100)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.AuditRow{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// handleEvents upgrades to a websocket and streams mesh events until the
// client goes away.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if ws.hub == nil {
		http.Error(w, "event feed disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("websocket upgrade failed")
		return
	}
	ws.hub.Register(conn)
	// Drain client frames so pings are answered; unregister on error.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ws.hub.Unregister(conn)
				return
			}
		}
	}()
}
