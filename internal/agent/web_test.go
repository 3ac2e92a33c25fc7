package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"halvor/internal/config"
	"halvor/internal/store"
)

func newWebServer(t *testing.T) (*WebServer, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		"frigg": {IP: "100.66.176.17", Hostname: "frigg.ts.net", SudoPassword: "never-shown"},
	}}
	return NewWebServer(s, cfg, "frigg", nil, "1.0.0"), s
}

func TestWeb_Health(t *testing.T) {
	ws, _ := newWebServer(t)
	rec := httptest.NewRecorder()
	ws.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["version"] != "1.0.0" {
		t.Errorf("body = %v", body)
	}
}

func TestWeb_PeersAndStatus(t *testing.T) {
	ws, s := newWebServer(t)
	s.UpsertPeer(store.Peer{Hostname: "odin", PublicKey: "pk"})

	rec := httptest.NewRecorder()
	ws.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/peers", nil))
	var peers []store.Peer
	json.Unmarshal(rec.Body.Bytes(), &peers)
	if len(peers) != 1 || peers[0].Hostname != "odin" {
		t.Errorf("peers = %+v", peers)
	}

	rec = httptest.NewRecorder()
	ws.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	var status map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status["hostname"] != "frigg" || status["mesh_size"].(float64) != 1 {
		t.Errorf("status = %v", status)
	}
}

// Sudo credentials must never appear on the HTTP surface.
func TestWeb_HostsOmitSecrets(t *testing.T) {
	ws, _ := newWebServer(t)
	rec := httptest.NewRecorder()
	ws.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/hosts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if len(body) == 0 {
		t.Fatal("empty body")
	}
	if strings.Contains(body, "never-shown") {
		t.Error("sudo password leaked to /api/hosts")
	}
	if !strings.Contains(body, "100.66.176.17") {
		t.Errorf("host entry missing: %s", body)
	}
}

func TestWeb_AuditEndpoint(t *testing.T) {
	ws, s := newWebServer(t)
	s.InsertAuditEvent(1700000000, "SECURITY", "join_accepted", "odin", "", true)

	rec := httptest.NewRecorder()
	ws.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/audit", nil))
	var rows []store.AuditRow
	json.Unmarshal(rec.Body.Bytes(), &rows)
	if len(rows) != 1 || rows[0].Event != "join_accepted" {
		t.Errorf("rows = %+v", rows)
	}
}
