package agent

import (
	"testing"
	"time"

	"halvor/internal/config"
)

func TestDiscovery_ConfigHostsProbed(t *testing.T) {
	live := startNode(t, "frigg")

	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		"frigg": {IP: "127.0.0.1"},
		"ghost": {IP: "127.0.0.1"},
	}}
	d := NewDiscovery(cfg)
	d.SetAgentPort(live.server.Port())
	d.SetProbeTimeout(500 * time.Millisecond)

	// Both candidates resolve to the loopback listener, so both probe as
	// reachable; the point is that config-declared hosts enter the
	// candidate set and carry probe results.
	hosts := d.DiscoverAll()
	checked := 0
	for _, h := range hosts {
		if h.Hostname != "frigg" && h.Hostname != "ghost" {
			continue
		}
		checked++
		if !h.Reachable {
			t.Errorf("%s not reachable through live agent", h.Hostname)
		}
	}
	if checked != 2 {
		t.Fatalf("probed %d config hosts, want 2", checked)
	}
}

func TestDiscovery_UnreachableStillReturned(t *testing.T) {
	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		"ghost": {IP: "127.0.0.1"},
	}}
	d := NewDiscovery(cfg)
	// A port nothing listens on.
	d.SetAgentPort(1)
	d.SetProbeTimeout(300 * time.Millisecond)

	hosts := d.DiscoverAll()
	found := false
	for _, h := range hosts {
		if h.Hostname == "ghost" {
			found = true
			if h.Reachable {
				t.Error("ghost marked reachable")
			}
		}
	}
	if !found {
		t.Error("unreachable candidate dropped from results")
	}
}

func TestDiscoveredHost_Addr(t *testing.T) {
	h := DiscoveredHost{Hostname: "odin", TailscaleIP: "100.64.0.2", LocalIP: "192.168.1.2", AgentPort: 13500}
	addr, ok := h.Addr()
	if !ok || addr != "100.64.0.2:13500" {
		t.Errorf("addr = %q ok=%v", addr, ok)
	}

	h.TailscaleIP = ""
	addr, _ = h.Addr()
	if addr != "192.168.1.2:13500" {
		t.Errorf("fallback addr = %q", addr)
	}

	empty := DiscoveredHost{Hostname: "x", AgentPort: 13500}
	if _, ok := empty.Addr(); ok {
		t.Error("address produced from nothing")
	}
}
