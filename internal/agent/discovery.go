package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"halvor/internal/config"
	"halvor/internal/hostid"
	"halvor/internal/tailscale"
)

// DiscoveredHost is one candidate agent found on the network.
type DiscoveredHost struct {
	Hostname          string `json:"hostname"`
	TailscaleIP       string `json:"tailscale_ip,omitempty"`
	TailscaleHostname string `json:"tailscale_hostname,omitempty"`
	LocalIP           string `json:"local_ip,omitempty"`
	AgentPort         int    `json:"agent_port"`
	Reachable         bool   `json:"reachable"`
}

// Addr returns the preferred dial address for this host's agent.
func (h *DiscoveredHost) Addr() (string, bool) {
	ip := h.TailscaleIP
	if ip == "" {
		ip = h.LocalIP
	}
	if ip == "" {
		ip = h.TailscaleHostname
	}
	if ip == "" {
		return "", false
	}
	return fmt.Sprintf("%s:%d", ip, h.AgentPort), true
}

// Discovery enumerates candidate agents from the tailnet and the config, and
// probes each for liveness. Every call is independent — no caching.
type Discovery struct {
	cfg          *config.Config
	agentPort    int
	probeTimeout time.Duration
}

// NewDiscovery builds a discovery run against the default agent port.
func NewDiscovery(cfg *config.Config) *Discovery {
	return &Discovery{
		cfg:          cfg,
		agentPort:    config.DefaultAgentPort,
		probeTimeout: 2 * time.Second,
	}
}

// SetProbeTimeout overrides the per-candidate liveness deadline.
func (d *Discovery) SetProbeTimeout(t time.Duration) { d.probeTimeout = t }

// SetAgentPort overrides the probed port.
func (d *Discovery) SetAgentPort(port int) { d.agentPort = port }

// candidates merges the tailnet device list with config hosts not already
// covered.
func (d *Discovery) candidates() []DiscoveredHost {
	var hosts []DiscoveredHost
	seen := map[string]bool{}

	if devices, ok := tailscale.Devices(); ok {
		for _, dev := range devices {
			short := hostid.Normalize(dev.Name)
			if short == "" || seen[short] {
				continue
			}
			seen[short] = true
			hosts = append(hosts, DiscoveredHost{
				Hostname:          short,
				TailscaleIP:       dev.IP,
				TailscaleHostname: dev.Name,
				AgentPort:         d.agentPort,
			})
		}
	}

	if d.cfg != nil {
		for _, name := range d.cfg.HostNames() {
			short := hostid.Normalize(name)
			if seen[short] {
				continue
			}
			seen[short] = true
			hc := d.cfg.Hosts[name]
			hosts = append(hosts, DiscoveredHost{
				Hostname:          short,
				LocalIP:           hc.IP,
				TailscaleHostname: hc.Hostname,
				AgentPort:         d.agentPort,
			})
		}
	}
	return hosts
}

// DiscoverAll probes every candidate concurrently. Unreachable hosts are
// still returned, marked reachable=false.
func (d *Discovery) DiscoverAll() []DiscoveredHost {
	hosts := d.candidates()

	var wg sync.WaitGroup
	for i := range hosts {
		wg.Add(1)
		go func(h *DiscoveredHost) {
			defer wg.Done()
			h.Reachable = d.probe(h)
		}(&hosts[i])
	}
	wg.Wait()
	return hosts
}

// probe defines liveness: a Pong from <addr>:port within the timeout.
func (d *Discovery) probe(h *DiscoveredHost) bool {
	addr, ok := h.Addr()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.probeTimeout)
	defer cancel()

	client := NewClientAddr(addr)
	client.SetTimeouts(d.probeTimeout, d.probeTimeout)
	return client.PingCtx(ctx) == nil
}
